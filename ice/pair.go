package ice

import (
	"fmt"

	"github.com/google/uuid"
)

// PairState is a CandidatePair's connectivity-check state. PairPending
// covers both the waiting and in-progress cases; the entry's own state
// distinguishes them where it matters.
type PairState int

const (
	PairFrozen PairState = iota
	PairPending
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairPending:
		return "pending"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CandidatePair is an ordered (local, remote) tuple whose liveness is
// proven by a connectivity check. Candidates are copied by value rather
// than referenced by pointer into the owning Description's slice:
// Description.AddCandidate may reallocate that slice's backing array,
// and a CandidatePair must outlive any particular Description snapshot.
type CandidatePair struct {
	ID string

	HasLocal bool // false models the "any local" sentinel
	Local    Candidate
	Remote   Candidate

	Priority uint64

	State               PairState
	Nominated           bool
	NominationRequested bool
}

// ComputePairPriority implements RFC 8445 §6.1.2.3's formula:
//
//	priority = 2^32 * min(G,D) + 2*max(G,D) + (G>D ? 1 : 0)
//
// where G is the controlling agent's priority and D is the controlled
// agent's, for the two candidates forming the pair.
func ComputePairPriority(localPriority, remotePriority uint32, isControlling bool) uint64 {
	var g, d uint64
	if isControlling {
		g, d = uint64(localPriority), uint64(remotePriority)
	} else {
		g, d = uint64(remotePriority), uint64(localPriority)
	}
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	var bit uint64
	if g > d {
		bit = 1
	}
	return (min << 32) + (max << 1) + bit
}

// NewCandidatePair constructs a pair. local may be nil to model the "any
// local" sentinel used when pairing a brand-new remote candidate before
// a concrete local base is known to apply.
func NewCandidatePair(local *Candidate, remote Candidate, isControlling bool) *CandidatePair {
	p := &CandidatePair{
		ID:     uuid.NewString(),
		Remote: remote,
	}
	var localPriority uint32
	if local != nil {
		p.HasLocal = true
		p.Local = *local
		localPriority = local.Priority
	}
	p.Priority = ComputePairPriority(localPriority, remote.Priority, isControlling)
	return p
}

// Recompute refreshes Priority after a role switch.
func (p *CandidatePair) Recompute(isControlling bool) {
	var localPriority uint32
	if p.HasLocal {
		localPriority = p.Local.Priority
	}
	p.Priority = ComputePairPriority(localPriority, p.Remote.Priority, isControlling)
}

func (p *CandidatePair) String() string {
	local := "any"
	if p.HasLocal {
		local = p.Local.Address.String()
	}
	return fmt.Sprintf("%s: %s -> %s [%s nominated=%v]", p.ID, local, p.Remote.Address, p.State, p.Nominated)
}

// lessPair orders pairs from highest to lowest priority. Ties between
// pairs that both lack a concrete local candidate break in favor of
// higher remote priority.
func lessPair(a, b *CandidatePair) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.HasLocal && !b.HasLocal {
		return a.Remote.Priority > b.Remote.Priority
	}
	return a.ID < b.ID
}

// sortPairsByPriority sorts pairs in place, highest priority first.
func sortPairsByPriority(pairs []*CandidatePair) {
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && lessPair(pairs[j], pairs[j-1]); j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
}
