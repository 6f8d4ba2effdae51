package ice

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/goice/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

// Agent is a single-component ICE agent per RFC 8445: it gathers
// candidates, performs connectivity checks, resolves the controlling/
// controlled role, nominates a pair, and relays application datagrams
// over the winning pair. One Agent owns exactly one UDP socket and one
// worker goroutine running its event loop.
//
// The event loop is the only goroutine that mutates Agent state, except
// that public methods acquire mu before touching it. Callbacks are
// queued while mu is held and invoked after it is released; they must
// not call back into the same Agent synchronously.
type Agent struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	config Config

	local  Description
	remote Description

	pairs        []*CandidatePair
	orderedPairs []*CandidatePair

	entries []*StunEntry

	role       Role
	tiebreaker uint64

	conn         net.PacketConn
	selectedPair *CandidatePair

	// selectedEntry is read without mu by the Send fast path; it is
	// published by the bookkeeping pass, which always holds mu while
	// writing it.
	selectedEntry atomic.Pointer[StunEntry]

	state         State
	failTimestamp time.Time // zero value means "not armed"

	pacer *pacer

	// localHostAddrs indexes this agent's own host candidate addresses
	// (ignoring port) for the loopback-rewrite feature.
	localHostAddrs []AddressRecord

	closed    bool
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	// pendingCallbacks accumulates user callback invocations triggered
	// while mu is held; the run loop drains and calls them after
	// releasing mu.
	pendingCallbacks []func()
}

// NewAgent allocates an Agent: config is deep-copied, the role-conflict
// tiebreaker is seeded from a CSPRNG, and the role starts Unknown unless
// the caller hinted otherwise.
func NewAgent(config Config) *Agent {
	cfg := config.clone()
	if cfg.LocalUfrag == "" {
		cfg.LocalUfrag = randomICEString(4)
	}
	if cfg.LocalPwd == "" {
		cfg.LocalPwd = randomICEString(22)
	}

	a := &Agent{
		config:     cfg,
		role:       cfg.InitialRole,
		tiebreaker: randomTiebreaker(),
		pacer:      newPacer(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	a.local.Ufrag = cfg.LocalUfrag
	a.local.Pwd = cfg.LocalPwd
	return a
}

func randomTiebreaker() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("ice: failed to seed tiebreaker: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// randomICEString returns n bytes of base64url-encoded CSPRNG output,
// suitable for an ice-ufrag or ice-pwd value.
func randomICEString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("ice: failed to generate credential: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}

// LocalDescription returns a snapshot of the agent's local Description,
// safe to SDP-print and send to the remote peer out-of-band.
func (a *Agent) LocalDescription() Description {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.local
	cp.Candidates = append([]Candidate(nil), a.local.Candidates...)
	return cp
}

// Role returns the agent's current ICE role.
func (a *Agent) Role() Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

// State returns the agent's current coarse connectivity state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SelectedCandidatePair returns the local/remote candidates of the
// currently selected pair, if any.
func (a *Agent) SelectedCandidatePair() (local, remote Candidate, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selectedPair == nil {
		return Candidate{}, Candidate{}, false
	}
	return a.selectedPair.Local, a.selectedPair.Remote, true
}

// GatherCandidates binds the agent's UDP socket, synchronously adds host
// candidates, starts the event-loop worker, and kicks off STUN/TURN
// server queries. Calling it twice returns ErrGatheringInProgress.
func (a *Agent) GatherCandidates(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return ErrGatheringInProgress
	}

	conn, err := bindSocket(a.config.PortMin, a.config.PortMax)
	if err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "ice: failed to bind socket")
	}
	a.conn = conn
	a.state = Gathering
	a.queueCallbackLocked(func() { a.invokeStateChange(Gathering) })

	hostAddrs, err := enumerateHostAddresses(conn, a.config.EnableIPv6, a.config.IncludeLoopback)
	if err != nil {
		a.mu.Unlock()
		return errors.Wrap(err, "ice: failed to enumerate local addresses")
	}
	for _, addr := range hostAddrs {
		c := NewHostCandidate(addr)
		a.addLocalCandidateLocked(c)
		a.localHostAddrs = append(a.localHostAddrs, addr)
	}
	a.mu.Unlock()

	go a.run()

	if err := a.startGathering(ctx); err != nil {
		return err
	}
	return nil
}

// Close tears down the agent's socket and stops its event loop. Safe to
// call more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopCh)
		a.mu.Lock()
		conn := a.conn
		a.closed = true
		a.mu.Unlock()
		if conn != nil {
			// The worker only runs once the socket exists; closing the
			// socket is what unblocks its read.
			err = conn.Close()
			<-a.doneCh
		}
	})
	return err
}

// queueCallbackLocked records a user callback invocation to run once mu is
// released. Must be called with mu held.
func (a *Agent) queueCallbackLocked(f func()) {
	a.pendingCallbacks = append(a.pendingCallbacks, f)
}

func (a *Agent) invokeStateChange(s State) {
	if a.config.OnStateChange != nil {
		a.config.OnStateChange(s)
	}
}

func (a *Agent) invokeCandidate(c Candidate) {
	if a.config.OnCandidate != nil {
		a.config.OnCandidate(c)
	}
}

func (a *Agent) invokeGatheringDone() {
	if a.config.OnGatheringDone != nil {
		a.config.OnGatheringDone()
	}
}

func (a *Agent) invokeData(data []byte) {
	if a.config.OnData != nil {
		a.config.OnData(data)
	}
}

// setStateLocked transitions the coarse state and queues the callback.
// Must be called with mu held. The agent never jumps directly from
// connecting to completed: it passes through connected first.
func (a *Agent) setStateLocked(s State) {
	if a.state == s {
		return
	}
	if a.state == Connecting && s == Completed {
		a.state = Connected
		a.queueCallbackLocked(func() { a.invokeStateChange(Connected) })
		s = Completed
	}
	a.state = s
	a.queueCallbackLocked(func() { a.invokeStateChange(s) })
}

// run is the agent's single worker goroutine. It alternates a
// timeout-bounded socket read with a bookkeeping pass.
func (a *Agent) run() {
	defer close(a.doneCh)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		a.mu.Lock()
		deadline := a.nextDeadlineLocked()
		// Set under mu so that a wakeLocked issued after this point is
		// not overwritten by this (later) deadline.
		a.conn.SetReadDeadline(deadline)
		a.mu.Unlock()

		n, raddr, err := a.conn.ReadFrom(buf)

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Expected: nothing arrived before the next scheduled
				// event. Fall through to bookkeeping.
			} else if isTransientReadError(err) {
				// An ICMP unreachable bounced back for something we
				// sent earlier; the datagram it answers is gone, the
				// socket is fine.
			} else {
				// Socket closed, or a fatal error: stop the loop.
				return
			}
		} else {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.mu.Lock()
			a.input(data, NewAddressRecord(raddr), nil)
			a.mu.Unlock()
		}

		a.mu.Lock()
		a.bookkeeping()
		callbacks := a.pendingCallbacks
		a.pendingCallbacks = nil
		a.mu.Unlock()

		for _, cb := range callbacks {
			cb()
		}
	}
}

// nextDeadlineLocked computes the absolute time the event loop's socket
// read should time out at: the earliest of every entry's
// next_transmission, the fail-timeout watchdog, and a 10s ceiling so
// bookkeeping still runs periodically with nothing scheduled. It is now
// when callbacks are already queued, so they are delivered without
// waiting. Must be called with mu held.
func (a *Agent) nextDeadlineLocked() time.Time {
	now := time.Now()
	if len(a.pendingCallbacks) > 0 {
		return now
	}
	next := now.Add(bookkeepingCeiling)

	for _, e := range a.entries {
		switch e.State {
		case EntryPending, EntrySucceeded, EntrySucceededKeepalive:
			if !e.NextTransmission.IsZero() && e.NextTransmission.Before(next) {
				next = e.NextTransmission
			}
		}
	}
	if !a.failTimestamp.IsZero() && a.failTimestamp.Before(next) {
		next = a.failTimestamp
	}
	if next.Before(now) {
		next = now
	}
	return next
}

// Send transmits application data over the selected pair, directly or
// wrapped as TURN ChannelData via the associated relay entry. It fails
// with ErrNotConnected until a connectivity check has succeeded and a
// pair has been selected.
func (a *Agent) Send(data []byte) error {
	entry := a.selectedEntry.Load()
	if entry == nil {
		return ErrNotConnected
	}
	entry.setArmed(false)

	if entry.RelayEntry != nil {
		return a.sendViaRelay(entry.RelayEntry, entry.Remote, data)
	}
	return a.directSend(entry.Remote, data)
}

// directSend writes data to dst under the send-only mutex, kept separate
// from mu so a blocked send cannot stall the worker's ingress
// processing.
func (a *Agent) directSend(dst AddressRecord, data []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	_, err := a.conn.WriteTo(data, a.rewriteLoopback(dst).UDPAddr())
	return err
}

// rewriteLoopback redirects dst to the loopback address of the same
// family and port when RewriteLoopback is set and dst matches one of this
// agent's own host candidate addresses (ignoring port). This lets two
// agents on the same machine, each bound to a distinct port on the same
// interface, reach each other through routers that drop hairpinned
// traffic. localHostAddrs is only appended to before the worker goroutine
// starts, so this is safe to call without mu from the Send fast path.
func (a *Agent) rewriteLoopback(dst AddressRecord) AddressRecord {
	if !a.config.RewriteLoopback {
		return dst
	}
	for _, h := range a.localHostAddrs {
		if h.EqualIgnoringPort(dst) {
			return dst.Loopback()
		}
	}
	return dst
}

// wakeLocked forces the worker out of its blocking socket read so a
// state change made by a public API call takes effect immediately,
// without waiting out the previously computed read deadline. Must be
// called with mu held.
func (a *Agent) wakeLocked() {
	if a.conn != nil {
		a.conn.SetReadDeadline(time.Now())
	}
}
