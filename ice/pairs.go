package ice

import (
	"time"

	"github.com/google/uuid"
)

// SetRemoteDescription adopts the remote peer's ufrag/pwd and candidate
// set (parsed from SDP out-of-band), synthesizes candidate pairs, and
// unfreezes them now that the remote ufrag is known.
func (a *Agent) SetRemoteDescription(ufrag, pwd string, candidateLines []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	a.remote.Ufrag = ufrag
	a.remote.Pwd = pwd

	for _, line := range candidateLines {
		if err := a.addRemoteCandidateLineLocked(line); err != nil && err != ErrIgnoredCandidate {
			log.Warn("ice: failed to parse remote candidate %q: %s", line, err)
		}
	}

	a.unfreezePairsLocked()
	a.wakeLocked()
	return nil
}

// AddRemoteCandidate merges a single additional remote candidate (trickle
// ICE's non-restart case).
func (a *Agent) AddRemoteCandidate(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	err := a.addRemoteCandidateLineLocked(line)
	if err == nil {
		a.unfreezePairsLocked()
		a.wakeLocked()
	}
	return err
}

// SetRemoteGatheringDone marks the remote description finished and resets
// the fail watchdog so it may re-arm with the shorter "no more remote
// candidates are coming" deadline.
func (a *Agent) SetRemoteGatheringDone() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote.Finished = true
	a.failTimestamp = time.Time{}
}

func (a *Agent) addRemoteCandidateLineLocked(line string) error {
	c, err := ParseCandidateSDP(line)
	if err != nil {
		return err
	}
	added, ok := a.remote.AddCandidate(c)
	if !ok {
		return nil
	}
	a.synthesizePairsForRemoteLocked(added)
	return nil
}

// addLocalCandidateLocked records a newly gathered local candidate,
// invokes the candidate callback, and, for a relayed candidate arriving
// after the remote description is already known, synthesizes pairs
// against the existing remote candidate set. This is the mirror image of
// synthesizePairsForRemoteLocked, needed because a TURN allocation may
// complete well after SetRemoteDescription.
func (a *Agent) addLocalCandidateLocked(c Candidate) {
	added, ok := a.local.AddCandidate(c)
	if !ok {
		return
	}
	a.queueCallbackLocked(func() { a.invokeCandidate(added) })

	if added.Kind == Relayed {
		for _, remote := range a.remote.Candidates {
			if remote.Address.Family == added.Address.Family {
				a.addPairLocked(&added, remote)
			}
		}
	}
}

// synthesizePairsForRemoteLocked pairs a newly added remote candidate
// with the "any local" sentinel and with every existing local relayed
// candidate of matching address family. The "any local" sentinel lets
// outbound routing pick the socket's single non-relayed base
// automatically; there is exactly one such base per agent.
func (a *Agent) synthesizePairsForRemoteLocked(remote Candidate) {
	a.addPairLocked(nil, remote)

	for _, local := range a.local.RelayedCandidates() {
		if local.Address.Family == remote.Address.Family {
			l := local
			a.addPairLocked(&l, remote)
		}
	}
}

func (a *Agent) addPairLocked(local *Candidate, remote Candidate) {
	if len(a.pairs) >= MaxCandidatePairsCount {
		log.Warn("ice: candidate pair limit reached, dropping new pair")
		return
	}
	if len(a.entries) >= MaxStunEntriesCount {
		log.Warn("ice: entry limit reached, dropping new pair")
		return
	}

	isControlling := a.role == RoleControlling
	pair := NewCandidatePair(local, remote, isControlling)
	a.pairs = append(a.pairs, pair)
	a.orderedPairs = append(a.orderedPairs, pair)
	sortPairsByPriority(a.orderedPairs)

	entry := &StunEntry{
		ID:     uuid.NewString(),
		Type:   EntryCheck,
		State:  EntryIdle,
		Pair:   pair,
		Remote: pair.Remote.Address,
	}
	if pair.HasLocal && pair.Local.Kind == Relayed {
		entry.RelayEntry = a.relayEntryForLocked(pair.Local)
	}
	a.entries = append(a.entries, entry)

	if a.remote.Ufrag != "" {
		pair.State = PairPending
	}
}

// relayEntryForLocked finds the relay entry whose allocation produced the
// given local relayed candidate. A check entry references at most one
// relay entry.
func (a *Agent) relayEntryForLocked(local Candidate) *StunEntry {
	for _, e := range a.entries {
		if e.Type == EntryRelay && e.Relayed != nil && e.Relayed.Equal(local.Address) {
			return e
		}
	}
	return nil
}

// unfreezePairsLocked moves every Frozen pair to Pending once the remote
// ufrag is known.
func (a *Agent) unfreezePairsLocked() {
	if a.remote.Ufrag == "" {
		return
	}
	for _, p := range a.pairs {
		if p.State == PairFrozen {
			p.State = PairPending
		}
	}
}
