package ice

// Description is one side's session description: its ICE credentials and
// the set of candidates it has gathered (or been told about). Candidates
// are kept ordered by decreasing priority.
type Description struct {
	Ufrag    string
	Pwd      string
	Finished bool

	Candidates []Candidate
}

// AddCandidate inserts c into d, deduplicating against an existing
// candidate with the same resolved address and kind, and enforcing the
// per-description bounds (host and peer-reflexive counts, total count).
// It returns the inserted candidate and whether it was actually added
// (false for a duplicate or a bound violation).
func (d *Description) AddCandidate(c Candidate) (Candidate, bool) {
	for _, existing := range d.Candidates {
		if existing.Kind == c.Kind && existing.Address.Equal(c.Address) {
			return existing, false
		}
	}

	if len(d.Candidates) >= MaxCandidatesCount {
		return c, false
	}
	if c.Kind == Host && d.countKind(Host) >= MaxHostCandidatesCount {
		return c, false
	}
	if c.Kind == PeerReflexive && d.countKind(PeerReflexive) >= MaxPeerReflexiveCandidatesCount {
		return c, false
	}

	d.Candidates = append(d.Candidates, c)
	d.sortByPriority()
	return c, true
}

func (d *Description) countKind(k Kind) int {
	n := 0
	for _, c := range d.Candidates {
		if c.Kind == k {
			n++
		}
	}
	return n
}

func (d *Description) sortByPriority() {
	cs := d.Candidates
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j-1].Priority < cs[j].Priority; j-- {
			cs[j-1], cs[j] = cs[j], cs[j-1]
		}
	}
}

// RelayedCandidates returns the subset of d.Candidates of kind Relayed,
// used when synthesizing pairs against every existing local relayed
// candidate.
func (d *Description) RelayedCandidates() []Candidate {
	var out []Candidate
	for _, c := range d.Candidates {
		if c.Kind == Relayed {
			out = append(out, c)
		}
	}
	return out
}
