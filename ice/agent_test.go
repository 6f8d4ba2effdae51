package ice

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanikai/goice/stun"
)

// fakeConn is a net.PacketConn that records every outgoing datagram, for
// driving the engine's handlers without real sockets.
type fakeConn struct {
	mu     sync.Mutex
	writes []fakeWrite
}

type fakeWrite struct {
	data []byte
	addr net.Addr
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, io.EOF }

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := append([]byte(nil), p...)
	c.writes = append(c.writes, fakeWrite{data, addr})
	return len(p), nil
}

func (c *fakeConn) Close() error       { return nil }
func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) lastWrite(t *testing.T) fakeWrite {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		t.Fatal("no datagram was written")
	}
	return c.writes[len(c.writes)-1]
}

// signedBindingRequest builds an integrity-protected connectivity check
// as the remote peer identified by (ufrag, pwd) would address it to a.
func signedBindingRequest(t *testing.T, a *Agent, senderUfrag string, priority uint32, controlling bool, tiebreaker uint64, useCandidate bool) []byte {
	t.Helper()
	msg := stun.NewMessage(stun.Request, stun.MethodBinding)
	msg.SetUsername(a.local.Ufrag + ":" + senderUfrag)
	if controlling {
		msg.SetIceControlling(tiebreaker)
	} else {
		msg.SetIceControlled(tiebreaker)
	}
	msg.SetPriority(priority)
	if useCandidate {
		msg.SetUseCandidate()
	}
	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.local.Pwd}
	require.NoError(t, msg.AddMessageIntegrity(cred, stun.IntegritySHA1))
	return stun.WriteWithFingerprint(msg)
}

func TestPeerReflexiveDiscovery(t *testing.T) {
	conn := &fakeConn{}
	a := NewAgent(Config{LocalUfrag: "WXYZ", LocalPwd: "localpassword0123456789"})
	a.conn = conn
	a.role = RoleControlled
	a.remote.Ufrag = "ABCD"
	a.remote.Pwd = "remotepassword0123456789"

	source := v4(198, 51, 100, 7, 7000)
	const priority = 0x6e0001ff
	raw := signedBindingRequest(t, a, "ABCD", priority, true, 0x20, false)

	a.mu.Lock()
	a.input(raw, source, nil)
	a.mu.Unlock()

	// A peer-reflexive remote candidate with the request's PRIORITY, and
	// a pair for it, must have been synthesized.
	a.mu.Lock()
	var prflx *Candidate
	for i, c := range a.remote.Candidates {
		if c.Kind == PeerReflexive {
			prflx = &a.remote.Candidates[i]
		}
	}
	require.NotNil(t, prflx, "no peer-reflexive remote candidate synthesized")
	require.Equal(t, uint32(priority), prflx.Priority)
	require.NotNil(t, a.findPairByRemoteLocked(source), "no pair synthesized for the new candidate")
	a.mu.Unlock()

	// The response must be a Binding success echoing the source as
	// XOR-MAPPED-ADDRESS.
	w := conn.lastWrite(t)
	resp, err := stun.Read(w.data)
	require.NoError(t, err)
	require.Equal(t, stun.SuccessResponse, resp.Class)
	mapped := resp.GetXorMappedAddress()
	require.NotNil(t, mapped)
	require.True(t, mapped.IP.Equal(source.IP))
	require.Equal(t, source.Port, mapped.Port)
}

func TestBindingRequestRoleAttributeValidation(t *testing.T) {
	newAgent := func() (*Agent, *fakeConn) {
		conn := &fakeConn{}
		a := NewAgent(Config{LocalUfrag: "WXYZ", LocalPwd: "localpassword0123456789"})
		a.conn = conn
		a.role = RoleControlled
		a.remote.Ufrag = "ABCD"
		a.remote.Pwd = "remotepassword0123456789"
		return a, conn
	}

	errorCode := func(t *testing.T, conn *fakeConn) int {
		w := conn.lastWrite(t)
		resp, err := stun.Read(w.data)
		require.NoError(t, err)
		require.Equal(t, stun.ErrorResponse, resp.Class)
		code, _, ok := resp.GetErrorCode()
		require.True(t, ok)
		return code
	}

	t.Run("neither role attribute", func(t *testing.T) {
		a, conn := newAgent()
		msg := stun.NewMessage(stun.Request, stun.MethodBinding)
		msg.SetUsername("WXYZ:ABCD")
		msg.SetPriority(1)
		cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.local.Pwd}
		require.NoError(t, msg.AddMessageIntegrity(cred, stun.IntegritySHA1))
		raw := stun.WriteWithFingerprint(msg)

		a.mu.Lock()
		a.input(raw, v4(198, 51, 100, 7, 7000), nil)
		a.mu.Unlock()
		require.Equal(t, 400, errorCode(t, conn))
	})

	t.Run("use-candidate without controlling", func(t *testing.T) {
		a, conn := newAgent()
		raw := signedBindingRequest(t, a, "ABCD", 1, false, 0x20, true)
		a.mu.Lock()
		a.input(raw, v4(198, 51, 100, 7, 7000), nil)
		a.mu.Unlock()
		require.Equal(t, 400, errorCode(t, conn))
	})

	t.Run("bad integrity", func(t *testing.T) {
		a, conn := newAgent()
		raw := signedBindingRequest(t, a, "ABCD", 1, true, 0x20, false)
		other := NewAgent(Config{LocalUfrag: "WXYZ", LocalPwd: "adifferentpassword000000"})
		other.conn = conn
		// Same bytes verified under a different password must be refused.
		require.NotEqual(t, a.local.Pwd, other.local.Pwd)
		other.role = RoleControlled
		other.remote.Ufrag = "ABCD"
		other.mu.Lock()
		other.input(raw, v4(198, 51, 100, 7, 7000), nil)
		other.mu.Unlock()
		require.Equal(t, 400, errorCode(t, conn))
	})
}

func TestRoleConflictOnIncomingRequest(t *testing.T) {
	conn := &fakeConn{}
	a := NewAgent(Config{LocalUfrag: "WXYZ", LocalPwd: "localpassword0123456789"})
	a.conn = conn
	a.role = RoleControlling
	a.tiebreaker = 0x30
	a.remote.Ufrag = "ABCD"
	a.remote.Pwd = "remotepassword0123456789"

	// Both controlling, our tiebreaker larger: keep role, answer 487.
	raw := signedBindingRequest(t, a, "ABCD", 1, true, 0x20, false)
	a.mu.Lock()
	a.input(raw, v4(198, 51, 100, 7, 7000), nil)
	a.mu.Unlock()

	require.Equal(t, RoleControlling, a.Role())
	w := conn.lastWrite(t)
	resp, err := stun.Read(w.data)
	require.NoError(t, err)
	require.Equal(t, stun.ErrorResponse, resp.Class)
	code, _, _ := resp.GetErrorCode()
	require.Equal(t, 487, code)

	// Both controlling, our tiebreaker smaller: switch to controlled and
	// answer success.
	raw = signedBindingRequest(t, a, "ABCD", 1, true, 0x40, false)
	a.mu.Lock()
	a.input(raw, v4(198, 51, 100, 7, 7000), nil)
	a.mu.Unlock()

	require.Equal(t, RoleControlled, a.Role())
	w = conn.lastWrite(t)
	resp, err = stun.Read(w.data)
	require.NoError(t, err)
	require.Equal(t, stun.SuccessResponse, resp.Class)
}

func TestRoleConflictOn487Response(t *testing.T) {
	conn := &fakeConn{}
	a := NewAgent(Config{LocalUfrag: "ABCD", LocalPwd: "localpassword0123456789"})
	a.conn = conn
	a.role = RoleControlling
	a.tiebreaker = 0x10
	a.remote.Ufrag = "WXYZ"
	a.remote.Pwd = "remotepassword0123456789"

	remote := NewHostCandidate(v4(198, 51, 100, 7, 7000))
	a.mu.Lock()
	a.remote.AddCandidate(remote)
	a.synthesizePairsForRemoteLocked(remote)
	entry := a.entries[0]
	entry.scheduleFirstTransmission(time.Now())
	a.mu.Unlock()

	// Build the signed 487 the peer would return for our check.
	resp := stun.NewMessageWithTransactionID(stun.ErrorResponse, stun.MethodBinding, entry.TransactionID)
	resp.SetErrorCode(487, "Role Conflict")
	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.remote.Pwd}
	require.NoError(t, resp.AddMessageIntegrity(cred, stun.IntegritySHA1))
	raw := stun.WriteWithFingerprint(resp)

	a.mu.Lock()
	a.input(raw, remote.Address, nil)
	a.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Equal(t, RoleControlled, a.role, "role did not flip on 487")
	require.NotEqual(t, uint64(0x10), a.tiebreaker, "tiebreaker was not regenerated")
	require.Equal(t, EntryPending, entry.State, "entry was not rescheduled")
	require.False(t, entry.NextTransmission.After(time.Now().Add(StunPacingTime)), "entry not rescheduled for immediate retry")
}

func TestNominationRequestedBeforeSuccess(t *testing.T) {
	conn := &fakeConn{}
	a := NewAgent(Config{LocalUfrag: "WXYZ", LocalPwd: "localpassword0123456789"})
	a.conn = conn
	a.role = RoleControlled
	a.remote.Ufrag = "ABCD"
	a.remote.Pwd = "remotepassword0123456789"

	source := v4(198, 51, 100, 7, 7000)
	raw := signedBindingRequest(t, a, "ABCD", 1, true, 0x20, true)
	a.mu.Lock()
	a.input(raw, source, nil)
	pair := a.findPairByRemoteLocked(source)
	a.mu.Unlock()

	require.NotNil(t, pair)
	require.False(t, pair.Nominated, "pair nominated before its own check succeeded")
	require.True(t, pair.NominationRequested)

	// Once this pair's own check succeeds, the deferred nomination lands.
	a.mu.Lock()
	entry := a.entryForPairLocked(pair)
	require.NotNil(t, entry)
	entry.scheduleFirstTransmission(time.Now())
	success := stun.NewMessageWithTransactionID(stun.SuccessResponse, stun.MethodBinding, entry.TransactionID)
	success.SetXorMappedAddress(conn.LocalAddr().(*net.UDPAddr))
	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.remote.Pwd}
	require.NoError(t, success.AddMessageIntegrity(cred, stun.IntegritySHA1))
	a.input(stun.WriteWithFingerprint(success), source, nil)
	a.mu.Unlock()

	require.True(t, pair.Nominated, "deferred nomination not applied on check success")
	require.Equal(t, PairSucceeded, pair.State)
}

func TestFailWatchdog(t *testing.T) {
	a := NewAgent(Config{})
	now := time.Now()

	// With the remote not finished, the watchdog arms at IceFailTimeout.
	a.mu.Lock()
	a.armFailWatchdogLocked(now)
	require.False(t, a.failTimestamp.IsZero())
	require.WithinDuration(t, now.Add(IceFailTimeout), a.failTimestamp, time.Second)

	// Before the deadline the agent does not fail.
	a.armFailWatchdogLocked(now.Add(IceFailTimeout / 2))
	require.NotEqual(t, Failed, a.state)

	// After the deadline it does.
	a.armFailWatchdogLocked(now.Add(IceFailTimeout + time.Millisecond))
	require.Equal(t, Failed, a.state)
	a.mu.Unlock()

	// With the remote finished, the watchdog fires immediately.
	b := NewAgent(Config{})
	b.mu.Lock()
	b.remote.Finished = true
	b.armFailWatchdogLocked(now)
	b.armFailWatchdogLocked(now)
	require.Equal(t, Failed, b.state)
	b.mu.Unlock()
}

func TestStateNeverSkipsConnected(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	a := NewAgent(Config{OnStateChange: func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}})

	a.mu.Lock()
	a.state = Connecting
	a.setStateLocked(Completed)
	callbacks := a.pendingCallbacks
	a.pendingCallbacks = nil
	a.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []State{Connected, Completed}, seen)
	require.Equal(t, Completed, a.State())
}

func TestSendBeforeConnected(t *testing.T) {
	a := NewAgent(Config{})
	require.ErrorIs(t, a.Send([]byte("hello")), ErrNotConnected)
}

// gatherAndWait runs GatherCandidates and blocks until gathering-done.
func gatherAndWait(t *testing.T, a *Agent) {
	t.Helper()
	done := make(chan struct{})
	a.config.OnGatheringDone = func() { close(done) }
	require.NoError(t, a.GatherCandidates(context.Background()))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gathering did not finish")
	}
}

func candidateLines(d Description) []string {
	var lines []string
	for _, c := range d.Candidates {
		lines = append(lines, c.SDPString())
	}
	return lines
}

func TestTwoAgentsConnectOverLoopback(t *testing.T) {
	received := make(chan []byte, 1)

	a := NewAgent(Config{
		InitialRole:     RoleControlling,
		IncludeLoopback: true,
		RewriteLoopback: true,
	})
	b := NewAgent(Config{
		InitialRole:     RoleControlled,
		IncludeLoopback: true,
		RewriteLoopback: true,
		OnData: func(data []byte) {
			select {
			case received <- data:
			default:
			}
		},
	})
	defer a.Close()
	defer b.Close()

	gatherAndWait(t, a)
	gatherAndWait(t, b)

	da, db := a.LocalDescription(), b.LocalDescription()
	require.NotEmpty(t, da.Candidates)
	require.NotEmpty(t, db.Candidates)

	require.NoError(t, a.SetRemoteDescription(db.Ufrag, db.Pwd, candidateLines(db)))
	require.NoError(t, b.SetRemoteDescription(da.Ufrag, da.Pwd, candidateLines(da)))
	a.SetRemoteGatheringDone()
	b.SetRemoteGatheringDone()

	require.Eventually(t, func() bool {
		return a.State() == Completed && b.State() == Completed
	}, 5*time.Second, 10*time.Millisecond, "agents did not complete: a=%s b=%s", a.State(), b.State())

	for _, agent := range []*Agent{a, b} {
		_, _, ok := agent.SelectedCandidatePair()
		require.True(t, ok, "no selected pair after completion")

		agent.mu.Lock()
		nominated := 0
		for _, p := range agent.pairs {
			if p.Nominated {
				nominated++
			}
		}
		selected := agent.selectedPair
		agent.mu.Unlock()
		require.Equal(t, 1, nominated, "expected exactly one nominated pair")
		require.NotNil(t, selected)
		require.True(t, selected.Nominated)
	}

	// Application data flows over the selected pair.
	require.Eventually(t, func() bool {
		if err := a.Send([]byte("ping")); err != nil {
			return false
		}
		select {
		case data := <-received:
			require.Equal(t, "ping", string(data))
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond, "datagram never arrived")
}
