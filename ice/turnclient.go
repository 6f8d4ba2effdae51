package ice

import (
	"encoding/binary"
	"time"

	"github.com/lanikai/goice/stun"
	"github.com/lanikai/goice/turn"
)

// sendAllocate sends a TURN Allocate request, unauthenticated on the first
// attempt and with the server's challenged long-term credential on every
// attempt after, per RFC 8656 §7.1.
func (a *Agent) sendAllocate(e *StunEntry) error {
	msg := stun.NewMessageWithTransactionID(stun.Request, stun.MethodAllocate, e.TransactionID)
	msg.SetSoftware(softwareName)
	msg.SetRequestedTransport()
	msg.SetDontFragment()
	msg.SetLifetime(uint32(TurnLifetime / time.Second))

	if e.Turn.Credentials.Realm != "" {
		applyLongTermAuth(msg, e.Turn.Credentials)
	}
	buf := stun.WriteWithFingerprint(msg)
	return a.directSend(e.Remote, buf)
}

// sendRefresh sends a TURN Refresh request to renew an existing
// allocation's lifetime, per RFC 8656 §8.
func (a *Agent) sendRefresh(e *StunEntry) error {
	msg := stun.NewMessageWithTransactionID(stun.Request, stun.MethodRefresh, e.TransactionID)
	msg.SetLifetime(uint32(TurnLifetime / time.Second))
	applyLongTermAuth(msg, e.Turn.Credentials)
	buf := stun.WriteWithFingerprint(msg)
	return a.directSend(e.Remote, buf)
}

func applyLongTermAuth(msg *stun.Message, cred turn.Credentials) {
	msg.SetUsername(cred.Username)
	msg.SetRealm(cred.Realm)
	msg.SetNonce(cred.Nonce)
	msg.SetPasswordAlgorithm(cred.Algorithm)
	msg.AddMessageIntegrity(cred.StunCredentials(), cred.IntegrityAlgorithm())
}

// adoptChallengeLocked copies REALM/NONCE/PASSWORD-ALGORITHM(S) from a 401
// (Unauthorized) or 438 (Stale Nonce) error response into a relay entry's
// credentials. It adopts the first algorithm listed in PASSWORD-ALGORITHMS,
// else the PASSWORD-ALGORITHM value, else MD5.
func adoptChallengeLocked(e *StunEntry, msg *stun.Message) {
	e.Turn.Credentials.Realm = msg.GetRealm()
	e.Turn.Credentials.Nonce = msg.GetNonce()
	if algs := msg.GetPasswordAlgorithms(); len(algs) > 0 {
		e.Turn.Credentials.Algorithm = algs[0]
	} else if alg, ok := msg.GetPasswordAlgorithm(); ok {
		e.Turn.Credentials.Algorithm = alg
	} else {
		e.Turn.Credentials.Algorithm = stun.PasswordAlgorithmMD5
	}
}

// handleRelayResponse processes a response to a relay entry's own Allocate
// or Refresh transaction. raw is the undecoded datagram, needed to
// recompute MESSAGE-INTEGRITY. 401 and 438 are the transparent credential
// ceremonies of the long-term mechanism and arrive before the client
// holds (current) credentials, so they cannot be integrity-checked; every
// other response must authenticate under the adopted credential before it
// is trusted. Any other error abandons the allocation.
func (a *Agent) handleRelayResponse(e *StunEntry, msg *stun.Message, raw []byte) {
	if msg.Class == stun.ErrorResponse {
		code, _, _ := msg.GetErrorCode()
		switch code {
		case 401, 438:
			adoptChallengeLocked(e, msg)
			e.rescheduleImmediately(a.pacer.next(time.Now()))
			return
		}
	}

	cred := e.Turn.Credentials.StunCredentials()
	if !msg.HasIntegrity || !stun.CheckIntegrity(raw, msg, cred) {
		log.Debug("ice: %s entry %s: %s", e.Type, e.ID, stun.ErrInternalValidationFailed)
		e.fail()
		a.onEntryFailedLocked(e)
		return
	}

	if msg.Class == stun.ErrorResponse {
		code, _, _ := msg.GetErrorCode()
		log.Info("ice: TURN server %s returned error %d", e.Server, code)
		e.fail()
		a.onEntryFailedLocked(e)
		return
	}

	switch msg.Method {
	case stun.MethodAllocate:
		relayed := msg.GetXorRelayedAddress()
		if relayed == nil {
			e.fail()
			a.onEntryFailedLocked(e)
			return
		}
		addr := NewAddressRecord(relayed)
		e.Relayed = &addr
		e.Turn.HasAllocation = true
		e.State = EntrySucceeded
		e.NextTransmission = time.Time{}

		c := NewRelayedCandidate(addr, e.Server)
		a.addLocalCandidateLocked(c)

		// The allocation's XOR-MAPPED-ADDRESS doubles as a server-
		// reflexive observation of our own base.
		if mapped := msg.GetXorMappedAddress(); mapped != nil {
			m := NewAddressRecord(mapped)
			if !a.knownLocalAddressLocked(m) && len(a.localHostAddrs) > 0 {
				srflx := NewServerReflexiveCandidate(m, a.localHostAddrs[0], e.Server)
				a.addLocalCandidateLocked(srflx)
			}
		}

	case stun.MethodRefresh:
		lifetime, _ := msg.GetLifetime()
		if lifetime == 0 {
			// Server granted a zero lifetime: treat as a graceful
			// deallocation and stop refreshing.
			e.fail()
			return
		}
		e.State = EntrySucceeded
		e.NextTransmission = time.Now().Add(TurnRefreshPeriod)
	}
}

// sendViaRelay transmits data to remote through a relay entry's TURN
// allocation: as ChannelData once a channel is bound to remote, otherwise
// it lazily kicks off CreatePermission/ChannelBind for remote and drops
// this datagram (permission/channel setup is asynchronous; the caller is
// expected to retry).
//
// Called both from the event loop (mu held) and from Send (mu not held,
// by design -- see Agent.Send's fast path). It therefore does not take mu
// itself: relayEntry.Remote is immutable after creation, TurnMap
// synchronizes itself, and relayEntry.Turn.HasAllocation/Credentials are
// only ever written once during the allocate handshake, matching the same
// relaxed-consistency tradeoff as the selectedEntry fast path.
func (a *Agent) sendViaRelay(relayEntry *StunEntry, remote AddressRecord, data []byte) error {
	if relayEntry == nil || !relayEntry.Turn.HasAllocation {
		return ErrNotConnected
	}
	peer := turn.PeerAddr{IP: remote.IP, Port: remote.Port}
	m := &relayEntry.Turn.Map
	now := time.Now()

	if channel, bound := m.GetBoundChannel(peer); bound {
		// Keep the permission and the binding itself alive: both are
		// refreshed once past half their granted lifetime.
		if d, ok := m.PermissionLifetimeDeadline(peer); ok && now.After(d.Add(-PermissionLifetime/2)) && !m.HasPendingPermission(peer) {
			a.sendCreatePermission(relayEntry, peer)
		}
		if d, ok := m.ChannelLifetimeDeadline(peer); ok && now.After(d.Add(-BindLifetime/2)) && !m.HasPendingChannelBind(peer) {
			tid := m.SetRandomChannelBindTransactionID(peer, channel)
			a.sendChannelBindRequest(relayEntry, peer, channel, tid)
		}
		return a.directSend(relayEntry.Remote, buildChannelData(channel, data))
	}

	if !m.HasPermission(peer, now) && !m.HasPendingPermission(peer) {
		a.sendCreatePermission(relayEntry, peer)
	}
	if _, ok := m.GetChannel(peer); !ok {
		a.sendChannelBind(relayEntry, peer)
	}
	return ErrNotConnected
}

func (a *Agent) sendCreatePermission(relayEntry *StunEntry, peer turn.PeerAddr) {
	tid := relayEntry.Turn.Map.SetRandomTransactionID(peer)
	msg := stun.NewMessageWithTransactionID(stun.Request, stun.MethodCreatePermission, tid)
	msg.SetXorPeerAddress(peer.UDPAddr())
	applyLongTermAuth(msg, relayEntry.Turn.Credentials)
	buf := stun.WriteWithFingerprint(msg)
	if err := a.directSend(relayEntry.Remote, buf); err != nil {
		log.Warn("ice: failed to send CreatePermission: %s", err)
	}
}

func (a *Agent) sendChannelBind(relayEntry *StunEntry, peer turn.PeerAddr) {
	channel := relayEntry.Turn.Map.BindRandomChannel(peer, time.Now().Add(BindLifetime))
	tid := relayEntry.Turn.Map.SetRandomChannelBindTransactionID(peer, channel)
	a.sendChannelBindRequest(relayEntry, peer, channel, tid)
}

func (a *Agent) sendChannelBindRequest(relayEntry *StunEntry, peer turn.PeerAddr, channel uint16, tid [stun.TransactionIDSize]byte) {
	msg := stun.NewMessageWithTransactionID(stun.Request, stun.MethodChannelBind, tid)
	msg.SetXorPeerAddress(peer.UDPAddr())
	msg.SetChannelNumber(channel)
	applyLongTermAuth(msg, relayEntry.Turn.Credentials)
	buf := stun.WriteWithFingerprint(msg)
	if err := a.directSend(relayEntry.Remote, buf); err != nil {
		log.Warn("ice: failed to send ChannelBind: %s", err)
	}
}

// handleRelaySubResponse resolves a CreatePermission/ChannelBind response
// against relayEntry's TurnMap, after verifying it authenticates under
// the relay entry's long-term credential. raw is the undecoded datagram.
func (a *Agent) handleRelaySubResponse(relayEntry *StunEntry, msg *stun.Message, raw []byte) {
	if msg.Class == stun.ErrorResponse {
		code, _, _ := msg.GetErrorCode()
		if code == 438 {
			log.Info("ice: TURN server %s reported a stale nonce, adopting the new one", relayEntry.Server)
			adoptChallengeLocked(relayEntry, msg)
		}
		return
	}

	cred := relayEntry.Turn.Credentials.StunCredentials()
	if !msg.HasIntegrity || !stun.CheckIntegrity(raw, msg, cred) {
		log.Debug("ice: %s response from %s: %s", msg.Method, relayEntry.Server, stun.ErrInternalValidationFailed)
		return
	}

	now := time.Now()
	switch msg.Method {
	case stun.MethodCreatePermission:
		relayEntry.Turn.Map.SetPermission(msg.TransactionID, nil, PermissionLifetime, now)
	case stun.MethodChannelBind:
		relayEntry.Turn.Map.BindCurrentChannel(msg.TransactionID, BindLifetime, now)
	}
}

// buildChannelData frames data as a TURN ChannelData message, per RFC 8656
// §12.4, padded to a 4-byte boundary.
func buildChannelData(channel uint16, data []byte) []byte {
	pad := (4 - len(data)%4) % 4
	frame := make([]byte, 4+len(data)+pad)
	binary.BigEndian.PutUint16(frame[0:2], channel)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[4:], data)
	return frame
}

// parseChannelData unframes a ChannelData message, per RFC 8656 §12.4.
func parseChannelData(buf []byte) (channel uint16, payload []byte, ok bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	channel = binary.BigEndian.Uint16(buf[0:2])
	if channel < 0x4000 || channel > 0x7fff {
		return 0, nil, false
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	if int(length) > len(buf)-4 {
		return 0, nil, false
	}
	return channel, buf[4 : 4+length], true
}
