package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// checkFixture builds an agent with n succeeded-capable pairs against
// distinct remote addresses, highest priority first.
func checkFixture(t *testing.T, n int) *Agent {
	t.Helper()
	a := NewAgent(Config{})
	a.conn = &fakeConn{}
	a.role = RoleControlling
	a.remote.Ufrag = "ABCD"
	a.remote.Pwd = "remotepassword0123456789"

	for i := 0; i < n; i++ {
		remote := NewHostCandidate(v4(198, 51, 100, byte(i+1), 7000))
		remote.Priority -= uint32(i) // strictly decreasing
		a.remote.AddCandidate(remote)
		a.synthesizePairsForRemoteLocked(remote)
	}
	return a
}

func TestSelectionPrefersNominatedPair(t *testing.T) {
	a := checkFixture(t, 3)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.orderedPairs[1].State = PairSucceeded
	a.orderedPairs[2].State = PairSucceeded
	a.orderedPairs[2].Nominated = true

	a.updateSelectionLocked(time.Now())

	// The nominated pair wins even though a higher-priority pair
	// succeeded, and the agent reaches Completed.
	require.Equal(t, a.orderedPairs[2], a.selectedPair)
	require.Equal(t, Completed, a.state)
}

func TestSelectionPicksHighestPrioritySucceeded(t *testing.T) {
	a := checkFixture(t, 3)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.orderedPairs[0].State = PairSucceeded
	a.orderedPairs[1].State = PairSucceeded

	a.updateSelectionLocked(time.Now())

	require.Equal(t, a.orderedPairs[0], a.selectedPair)
	require.True(t, a.orderedPairs[0].NominationRequested,
		"controlling agent should request nomination of the tentative pair")
	require.Equal(t, Connected, a.state)
}

func TestFreezeLowerPriorityPending(t *testing.T) {
	a := checkFixture(t, 3)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.orderedPairs[0].State = PairSucceeded
	a.updateSelectionLocked(time.Now())

	for _, p := range a.orderedPairs[1:] {
		require.Equal(t, PairFrozen, p.State, "lower-priority pending pair was not frozen")
		e := a.entryForPairLocked(p)
		require.NotNil(t, e)
		require.Equal(t, EntryCancelled, e.State)
		require.True(t, e.NextTransmission.IsZero())
	}
}

func TestControlledSideDoesNotFreeze(t *testing.T) {
	a := checkFixture(t, 2)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = RoleControlled

	a.orderedPairs[0].State = PairSucceeded
	a.updateSelectionLocked(time.Now())

	require.Equal(t, PairPending, a.orderedPairs[1].State,
		"controlled side must not cancel lower-priority checks preemptively")
}

func TestOrderedPairsStaysSorted(t *testing.T) {
	a := checkFixture(t, 5)

	a.mu.Lock()
	defer a.mu.Unlock()

	require.Len(t, a.orderedPairs, len(a.pairs))
	for i := 1; i < len(a.orderedPairs); i++ {
		require.False(t, a.orderedPairs[i-1].Priority < a.orderedPairs[i].Priority,
			"orderedPairs not sorted by descending priority")
	}

	// A role switch recomputes and re-sorts.
	a.switchRoleLocked(RoleControlled)
	for i := 1; i < len(a.orderedPairs); i++ {
		require.False(t, a.orderedPairs[i-1].Priority < a.orderedPairs[i].Priority)
	}
}

func TestKeepaliveRearmAfterSend(t *testing.T) {
	a := checkFixture(t, 2)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	pair := a.orderedPairs[1] // not the selected pair
	pair.State = PairSucceeded
	e := a.entryForPairLocked(pair)
	e.State = EntrySucceeded
	a.selectedPair = a.orderedPairs[0]

	a.bookkeepEntry(e, now)
	require.Equal(t, EntrySucceededKeepalive, e.State)
	require.True(t, e.isArmed())
	require.WithinDuration(t, now.Add(StunKeepalivePeriod), e.NextTransmission, time.Second)

	// Send clears the armed flag; the next pass pushes the keepalive out
	// instead of firing it early.
	e.setArmed(false)
	a.bookkeepEntry(e, now)
	require.True(t, e.isArmed())
	require.WithinDuration(t, now.Add(StunKeepalivePeriod), e.NextTransmission, time.Second)

	// Once due, the keepalive fires and reschedules itself.
	e.NextTransmission = now.Add(-time.Millisecond)
	a.bookkeepEntry(e, now)
	require.WithinDuration(t, now.Add(StunKeepalivePeriod), e.NextTransmission, time.Second)
}

func TestFailedCheckEntryFailsPair(t *testing.T) {
	a := checkFixture(t, 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entries[0]
	e.scheduleFirstTransmission(time.Now().Add(-time.Second))
	e.Retransmissions = -1

	a.bookkeepEntry(e, time.Now())
	require.Equal(t, EntryFailed, e.State)
	require.Equal(t, PairFailed, e.Pair.State)
	require.True(t, e.NextTransmission.IsZero())
}
