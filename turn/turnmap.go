package turn

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lanikai/goice/stun"
)

// PeerAddr identifies a peer this allocation may relay traffic to or from.
// It is a minimal standalone address type (rather than ice.AddressRecord)
// so that package turn has no dependency on package ice.
type PeerAddr struct {
	IP   net.IP
	Port int
}

func (p PeerAddr) key() string {
	return p.IP.String() + "/" + strconv.Itoa(p.Port)
}

func (p PeerAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.IP, Port: p.Port}
}

// NewPeerAddr builds a PeerAddr from a net.Addr.
func NewPeerAddr(addr net.Addr) PeerAddr {
	if u, ok := addr.(*net.UDPAddr); ok {
		return PeerAddr{IP: u.IP, Port: u.Port}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return PeerAddr{}
	}
	port, _ := strconv.Atoi(portStr)
	return PeerAddr{IP: net.ParseIP(host), Port: port}
}

type operation int

const (
	opPermission operation = iota
	opChannelBind
)

type pendingTransaction struct {
	peer PeerAddr
	op   operation
	// channel is the number this ChannelBind transaction is trying to
	// bind (only meaningful when op == opChannelBind).
	channel uint16
}

type peerEntry struct {
	peer PeerAddr

	hasChannel              bool
	channel                 uint16
	channelBound            bool // promoted from "pending bind" to "server confirmed"
	channelLifetimeDeadline time.Time

	hasPermission              bool
	permissionLifetimeDeadline time.Time
}

// TurnMap is the per-allocation lookup table keyed by peer address,
// recording outstanding permission/channel-bind transactions, bound
// channel numbers, and permission lifetimes.
type TurnMap struct {
	mu      sync.Mutex
	peers   map[string]*peerEntry
	pending map[[stun.TransactionIDSize]byte]pendingTransaction
}

func (m *TurnMap) init() {
	if m.peers == nil {
		m.peers = make(map[string]*peerEntry)
	}
	if m.pending == nil {
		m.pending = make(map[[stun.TransactionIDSize]byte]pendingTransaction)
	}
}

// HasPermission reports whether peer currently has a live permission.
func (m *TurnMap) HasPermission(peer PeerAddr, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	e, ok := m.peers[peer.key()]
	return ok && e.hasPermission && !now.After(e.permissionLifetimeDeadline)
}

// SetRandomTransactionID generates a fresh random transaction id for a
// CreatePermission request targeting peer and registers it so the
// matching response can be resolved back to peer.
func (m *TurnMap) SetRandomTransactionID(peer PeerAddr) [stun.TransactionIDSize]byte {
	return m.registerPending(peer, opPermission, 0)
}

// SetRandomChannelBindTransactionID is the ChannelBind analogue of
// SetRandomTransactionID, additionally recording which channel number
// this transaction is trying to bind.
func (m *TurnMap) SetRandomChannelBindTransactionID(peer PeerAddr, channel uint16) [stun.TransactionIDSize]byte {
	return m.registerPending(peer, opChannelBind, channel)
}

func (m *TurnMap) registerPending(peer PeerAddr, op operation, channel uint16) [stun.TransactionIDSize]byte {
	id := stun.NewTransactionID()
	m.mu.Lock()
	m.init()
	m.pending[id] = pendingTransaction{peer: peer, op: op, channel: channel}
	m.mu.Unlock()
	return id
}

// HasPendingPermission reports whether a CreatePermission transaction for
// peer is still awaiting its response, so the sender does not issue a
// duplicate request for every queued datagram.
func (m *TurnMap) HasPendingPermission(peer PeerAddr) bool {
	return m.hasPendingOp(peer, opPermission)
}

// HasPendingChannelBind is the ChannelBind analogue of
// HasPendingPermission.
func (m *TurnMap) HasPendingChannelBind(peer PeerAddr) bool {
	return m.hasPendingOp(peer, opChannelBind)
}

func (m *TurnMap) hasPendingOp(peer PeerAddr, op operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	for _, pt := range m.pending {
		if pt.op == op && pt.peer.key() == peer.key() {
			return true
		}
	}
	return false
}

// SetPermission resolves a successful CreatePermission response (matched
// by transaction id) to its peer and sets the permission's deadline. If
// peer is non-nil it is used directly instead of looking up the pending
// transaction (used when the caller already knows the peer, e.g. when
// refreshing proactively).
func (m *TurnMap) SetPermission(tid [stun.TransactionIDSize]byte, peer *PeerAddr, lifetime time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	var target PeerAddr
	if peer != nil {
		target = *peer
	} else if pt, ok := m.pending[tid]; ok && pt.op == opPermission {
		target = pt.peer
	} else {
		log.Debug("turn: ignoring CreatePermission response with unknown transaction id")
		return
	}
	delete(m.pending, tid)

	e := m.entryLocked(target)
	e.hasPermission = true
	e.permissionLifetimeDeadline = now.Add(lifetime)
}

// GetChannel returns the channel number allocated (whether or not yet
// server-confirmed) for peer, if any.
func (m *TurnMap) GetChannel(peer PeerAddr) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	e, ok := m.peers[peer.key()]
	if !ok || !e.hasChannel {
		return 0, false
	}
	return e.channel, true
}

// GetBoundChannel returns the channel number for peer and whether the
// server has confirmed the binding (as opposed to a ChannelBind request
// still being in flight).
func (m *TurnMap) GetBoundChannel(peer PeerAddr) (channel uint16, bound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	e, ok := m.peers[peer.key()]
	if !ok || !e.hasChannel {
		return 0, false
	}
	return e.channel, e.channelBound
}

// BindRandomChannel picks an unused channel number uniformly at random
// from [0x4000, 0x7FFF], retrying on collision, and records it as pending
// (not yet server-confirmed) for peer with initialDeadline as a
// placeholder lifetime until BindCurrentChannel confirms it.
func (m *TurnMap) BindRandomChannel(peer PeerAddr, initialDeadline time.Time) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	used := make(map[uint16]bool, len(m.peers))
	for _, e := range m.peers {
		if e.hasChannel {
			used[e.channel] = true
		}
	}

	var channel uint16
	for {
		channel = randomChannelNumber()
		if !used[channel] {
			break
		}
		log.Debug("turn: channel %#04x already bound, retrying", channel)
	}

	e := m.entryLocked(peer)
	e.hasChannel = true
	e.channel = channel
	e.channelBound = false
	e.channelLifetimeDeadline = initialDeadline
	return channel
}

func randomChannelNumber() uint16 {
	var b [2]byte
	rand.Read(b[:])
	n := binary.BigEndian.Uint16(b[:])
	// Map uniformly into [0x4000, 0x7FFF].
	return 0x4000 + (n % (0x7FFF - 0x4000 + 1))
}

// BindCurrentChannel promotes a pending ChannelBind (matched by
// transaction id) to an active, server-confirmed binding and sets its
// lifetime deadline.
func (m *TurnMap) BindCurrentChannel(tid [stun.TransactionIDSize]byte, lifetime time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()

	pt, ok := m.pending[tid]
	if !ok || pt.op != opChannelBind {
		log.Debug("turn: ignoring ChannelBind response with unknown transaction id")
		return
	}
	delete(m.pending, tid)

	e := m.entryLocked(pt.peer)
	e.hasChannel = true
	e.channel = pt.channel
	e.channelBound = true
	e.channelLifetimeDeadline = now.Add(lifetime)
}

// FindChannel returns the peer bound to channel, for ChannelData ingress
// demultiplexing.
func (m *TurnMap) FindChannel(channel uint16) (PeerAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.peers {
		if e.hasChannel && e.channelBound && e.channel == channel {
			return e.peer, true
		}
	}
	return PeerAddr{}, false
}

// ChannelLifetimeDeadline returns the deadline of peer's channel binding,
// used by the agent's relay send path to decide when to refresh.
func (m *TurnMap) ChannelLifetimeDeadline(peer PeerAddr) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peer.key()]
	if !ok || !e.hasChannel {
		return time.Time{}, false
	}
	return e.channelLifetimeDeadline, true
}

// PermissionLifetimeDeadline returns the deadline of peer's permission.
func (m *TurnMap) PermissionLifetimeDeadline(peer PeerAddr) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peer.key()]
	if !ok || !e.hasPermission {
		return time.Time{}, false
	}
	return e.permissionLifetimeDeadline, true
}

func (m *TurnMap) entryLocked(peer PeerAddr) *peerEntry {
	e, ok := m.peers[peer.key()]
	if !ok {
		e = &peerEntry{peer: peer}
		m.peers[peer.key()] = e
	}
	return e
}
