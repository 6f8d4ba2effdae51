package ice

import (
	"sync/atomic"
	"time"

	"github.com/lanikai/goice/stun"
	"github.com/lanikai/goice/turn"
)

// EntryType distinguishes what a StunEntry is scheduling a transaction (or
// keepalive stream) for.
type EntryType int

const (
	EntryCheck EntryType = iota
	EntryServer
	EntryRelay
)

func (t EntryType) String() string {
	switch t {
	case EntryCheck:
		return "check"
	case EntryServer:
		return "server"
	case EntryRelay:
		return "relay"
	default:
		return "entry"
	}
}

// EntryState is a StunEntry's state.
type EntryState int

const (
	EntryIdle EntryState = iota
	EntryPending
	EntryCancelled
	EntryFailed
	EntrySucceeded
	EntrySucceededKeepalive
)

func (s EntryState) String() string {
	switch s {
	case EntryIdle:
		return "idle"
	case EntryPending:
		return "pending"
	case EntryCancelled:
		return "cancelled"
	case EntryFailed:
		return "failed"
	case EntrySucceeded:
		return "succeeded"
	case EntrySucceededKeepalive:
		return "succeeded-keepalive"
	default:
		return "entry-state"
	}
}

// StunEntry is one scheduled STUN transaction context: a connectivity
// check, a STUN-server Binding query, or a TURN allocation/relay.
// Entries are created when gathering starts (server/relay) or when a
// pair is added (check), and are never deleted while the Agent lives --
// only transitioned to failed or cancelled.
type StunEntry struct {
	ID   string
	Type EntryType

	State EntryState

	// Pair is set for EntryCheck entries: the pair this check is proving.
	Pair *CandidatePair

	// Turn is set for EntryRelay entries: the allocation's credential and
	// permission/channel state.
	Turn *turn.TurnState

	// Server is the textual host:port of the STUN/TURN server this entry
	// targets (EntryServer/EntryRelay), used for logging and as the
	// foundation-computation server tag.
	Server string

	// Remote is where requests for this entry are sent: the server
	// address for server/relay entries, the paired remote candidate's
	// address for check entries.
	Remote AddressRecord

	// Relayed is the relayed transport address this relay entry has been
	// granted, once its Allocate has succeeded.
	Relayed *AddressRecord

	// RelayEntry, for a check entry, names the relay entry whose
	// allocation produced the local relayed base this check was paired
	// through, or nil if this check runs over a direct (non-relayed)
	// base.
	RelayEntry *StunEntry

	TransactionID         [stun.TransactionIDSize]byte
	NextTransmission      time.Time
	Retransmissions       int
	RetransmissionTimeout time.Duration

	// armed debounces keepalive rearming: Send() clears it so the next
	// bookkeeping pass knows to reschedule the keepalive stream rather
	// than assuming one is already in flight. Accessed without the
	// agent's big lock from the send fast path, hence atomic.
	armed int32
}

func (e *StunEntry) isArmed() bool   { return atomic.LoadInt32(&e.armed) != 0 }
func (e *StunEntry) setArmed(v bool) {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32(&e.armed, i)
}

// scheduleFirstTransmission transitions an idle entry into pending with a
// fresh transaction id and the initial retransmission budget. at is the
// (paced) time of the first transmission.
func (e *StunEntry) scheduleFirstTransmission(at time.Time) {
	e.TransactionID = stun.NewTransactionID()
	e.State = EntryPending
	e.Retransmissions = MaxStunRetransmissionCount
	e.RetransmissionTimeout = MinStunRetransmissionTimeout
	e.NextTransmission = at
}

// rescheduleImmediately resets an entry to pending with a fresh
// transaction id and a retransmission deadline of "now", used after a 487
// role-conflict response demands an immediate retry.
func (e *StunEntry) rescheduleImmediately(now time.Time) {
	e.scheduleFirstTransmission(now)
}

// backoff doubles the retransmission timeout, capped at
// maxStunRetransmissionTimeout.
func (e *StunEntry) backoff() {
	e.RetransmissionTimeout *= 2
	if e.RetransmissionTimeout > maxStunRetransmissionTimeout {
		e.RetransmissionTimeout = maxStunRetransmissionTimeout
	}
}

func (e *StunEntry) cancel() {
	e.State = EntryCancelled
	e.NextTransmission = time.Time{}
}

func (e *StunEntry) fail() {
	e.State = EntryFailed
	e.NextTransmission = time.Time{}
}
