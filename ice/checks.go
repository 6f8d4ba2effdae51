package ice

import (
	"net"
	"time"

	"github.com/lanikai/goice/stun"
)

// transmit sends whatever a pending entry's next transaction is. Must be
// called with mu held.
func (a *Agent) transmit(e *StunEntry) error {
	switch e.Type {
	case EntryCheck:
		return a.sendCheck(e)
	case EntryServer:
		return a.sendServerQuery(e)
	case EntryRelay:
		if e.Turn.HasAllocation {
			return a.sendRefresh(e)
		}
		return a.sendAllocate(e)
	default:
		return nil
	}
}

// sendKeepalive emits the fire-and-forget Binding Indication that keeps a
// succeeded check entry's NAT binding alive. Only check entries reach
// EntrySucceededKeepalive; server and relay entries have their own
// succeeded-state handling in bookkeepEntry.
func (a *Agent) sendKeepalive(e *StunEntry) error {
	msg := stun.NewMessage(stun.Indication, stun.MethodBinding)
	buf := stun.WriteWithFingerprint(msg)
	return a.transmitToEntry(e, buf)
}

// sendCheck builds and transmits a connectivity-check Binding Request for
// a check entry's candidate pair, per RFC 8445 §7.2.4.
func (a *Agent) sendCheck(e *StunEntry) error {
	pair := e.Pair
	msg := stun.NewMessageWithTransactionID(stun.Request, stun.MethodBinding, e.TransactionID)
	msg.SetUsername(a.remote.Ufrag + ":" + a.local.Ufrag)

	switch a.role {
	case RoleControlling:
		msg.SetIceControlling(a.tiebreaker)
	case RoleControlled:
		msg.SetIceControlled(a.tiebreaker)
	}

	// PRIORITY carries the priority a peer-reflexive candidate discovered
	// from this check would have (RFC 8445 §7.1.1).
	var priority uint32
	if pair.HasLocal {
		priority = pair.Local.PeerReflexivePriority()
	} else if len(a.localHostAddrs) > 0 {
		priority = computePriority(PeerReflexive, a.localHostAddrs[0].IP, 1)
	}
	msg.SetPriority(priority)

	if a.role == RoleControlling && pair.NominationRequested {
		msg.SetUseCandidate()
	}

	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.remote.Pwd}
	if err := msg.AddMessageIntegrity(cred, stun.IntegritySHA1); err != nil {
		return err
	}
	buf := stun.WriteWithFingerprint(msg)
	return a.transmitToEntry(e, buf)
}

// sendServerQuery sends a plain (unauthenticated) Binding Request to a
// configured STUN server.
func (a *Agent) sendServerQuery(e *StunEntry) error {
	msg := stun.NewMessageWithTransactionID(stun.Request, stun.MethodBinding, e.TransactionID)
	msg.SetSoftware(softwareName)
	buf := stun.WriteWithFingerprint(msg)
	return a.directSend(e.Remote, buf)
}

// transmitToEntry writes buf to an entry's destination, routing it through
// the owning relay entry's TURN allocation (as ChannelData) when the
// entry's base is a relayed candidate. No Send indication is used: until a
// channel is bound for the destination, the datagram is dropped.
func (a *Agent) transmitToEntry(e *StunEntry, buf []byte) error {
	if e.RelayEntry != nil {
		return a.sendViaRelay(e.RelayEntry, e.Remote, buf)
	}
	return a.directSend(e.Remote, buf)
}

// handleCheckResponse processes a STUN response matched to a check entry's
// outstanding transaction. raw is the undecoded datagram, needed to
// recompute MESSAGE-INTEGRITY.
func (a *Agent) handleCheckResponse(e *StunEntry, msg *stun.Message, raw []byte) {
	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.remote.Pwd}
	if !msg.HasIntegrity || !stun.CheckIntegrity(raw, msg, cred) {
		// Debug, not Warn: stun.ErrInternalValidationFailed exists
		// exactly so a forged or corrupted response fails the entry
		// without a noisy protocol-error log.
		log.Debug("ice: check %s: %s", e.ID, stun.ErrInternalValidationFailed)
		e.fail()
		a.onEntryFailedLocked(e)
		return
	}

	if msg.Class == stun.ErrorResponse {
		code, _, _ := msg.GetErrorCode()
		if code == 487 {
			a.handleRoleConflictLocked(e)
			return
		}
		log.Info("ice: check %s failed with error %d", e.ID, code)
		e.fail()
		a.onEntryFailedLocked(e)
		return
	}

	// A mapped address not matching any known local candidate reveals a
	// new peer-reflexive local candidate (RFC 8445 §7.2.5.3.1).
	if mapped := msg.GetXorMappedAddress(); mapped != nil {
		discovered := NewAddressRecord(mapped)
		if !a.knownLocalAddressLocked(discovered) {
			base := discovered
			if e.Pair.HasLocal {
				base = e.Pair.Local.Base
			} else if len(a.localHostAddrs) > 0 {
				base = a.localHostAddrs[0]
			}
			prflx := NewPeerReflexiveCandidate(discovered, base, computePriority(PeerReflexive, base.IP, 1))
			a.addLocalCandidateLocked(prflx)
		}
	}

	e.Pair.State = PairSucceeded
	e.State = EntrySucceeded
	if e.Pair.NominationRequested {
		e.Pair.Nominated = true
	}
}

// handleRoleConflictLocked applies RFC 8445 §7.2.5.1: on a 487 response
// to our own check, flip role, regenerate the tiebreaker, recompute every
// pair's priority under the new role, and retry the offending check
// immediately. This is the only place the tiebreaker ever changes after
// construction.
func (a *Agent) handleRoleConflictLocked(e *StunEntry) {
	a.role = a.role.opposite()
	a.tiebreaker = randomTiebreaker()
	for _, p := range a.pairs {
		p.Recompute(a.role == RoleControlling)
	}
	sortPairsByPriority(a.orderedPairs)
	e.rescheduleImmediately(a.pacer.next(time.Now()))
}

// handleServerResponse processes a STUN-server Binding response, deriving
// a server-reflexive candidate from XOR-MAPPED-ADDRESS.
func (a *Agent) handleServerResponse(e *StunEntry, msg *stun.Message) {
	if msg.Class == stun.ErrorResponse {
		code, _, _ := msg.GetErrorCode()
		log.Info("ice: STUN server %s returned error %d", e.Server, code)
		e.fail()
		a.onEntryFailedLocked(e)
		return
	}

	mapped := msg.GetXorMappedAddress()
	if mapped == nil {
		e.fail()
		a.onEntryFailedLocked(e)
		return
	}

	var base AddressRecord
	discovered := NewAddressRecord(mapped)
	for _, h := range a.localHostAddrs {
		if h.Family == discovered.Family {
			base = h
			break
		}
	}
	srflx := NewServerReflexiveCandidate(discovered, base, e.Server)
	a.addLocalCandidateLocked(srflx)

	e.State = EntrySucceeded
	e.NextTransmission = time.Time{}
}

// handleStunRequestLocked implements the peer-as-requester side of
// connectivity checks per RFC 8445 §7.3: USERNAME and MESSAGE-INTEGRITY
// validation, role-conflict detection, peer-reflexive candidate
// discovery, and USE-CANDIDATE nomination. The "both controlled" branch
// compares against ICE-CONTROLLED, applying §7.3.1.1 symmetrically to the
// "both controlling" case.
func (a *Agent) handleStunRequestLocked(raw []byte, msg *stun.Message, addr AddressRecord) {
	if msg.Method != stun.MethodBinding {
		return
	}

	wantUser := a.local.Ufrag + ":" + a.remote.Ufrag
	if user := msg.GetUsername(); len(user) > maxUsernameLen || user != wantUser {
		a.replyStunErrorLocked(msg, addr, 400, "Bad Request")
		return
	}
	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.local.Pwd}
	if !msg.HasIntegrity || !stun.CheckIntegrity(raw, msg, cred) {
		a.replyStunErrorLocked(msg, addr, 400, "Bad Request")
		return
	}

	theirControlling, isControlling := msg.GetIceControlling()
	theirControlled, isControlled := msg.GetIceControlled()

	// A check must carry exactly one role attribute.
	if isControlling == isControlled {
		a.replyStunErrorLocked(msg, addr, 400, "Bad Request")
		return
	}
	if msg.HasUseCandidate() && !isControlling {
		a.replyStunErrorLocked(msg, addr, 400, "Bad Request")
		return
	}

	switch {
	case isControlling && a.role == RoleControlling:
		if a.tiebreaker >= theirControlling {
			a.replyStunErrorLocked(msg, addr, 487, "Role Conflict")
			return
		}
		a.switchRoleLocked(RoleControlled)

	case isControlled && a.role == RoleControlled:
		// Both sides believe they are controlled: the larger tiebreaker
		// takes controlling. If ours is larger we switch; otherwise the
		// peer is sent a 487 so that it switches.
		if a.tiebreaker >= theirControlled {
			a.switchRoleLocked(RoleControlling)
		} else {
			a.replyStunErrorLocked(msg, addr, 487, "Role Conflict")
			return
		}

	case isControlling && a.role == RoleUnknown:
		a.switchRoleLocked(RoleControlled)
	case isControlled && a.role == RoleUnknown:
		a.switchRoleLocked(RoleControlling)
	}

	priority := msg.GetPriority()
	pair := a.findPairByRemoteLocked(addr)
	if pair == nil {
		prflx := NewPeerReflexiveCandidate(addr, addr, priority)
		added, ok := a.remote.AddCandidate(prflx)
		if ok {
			a.synthesizePairsForRemoteLocked(added)
			pair = a.findPairByRemoteLocked(addr)
		}
	}

	if msg.HasUseCandidate() && pair != nil {
		if pair.State == PairSucceeded {
			pair.Nominated = true
		} else {
			// Nominate once this pair's own check proves it works.
			pair.NominationRequested = true
		}
	}

	a.replyStunSuccessLocked(msg, addr)
}

func (a *Agent) switchRoleLocked(r Role) {
	if a.role == r {
		return
	}
	a.role = r
	for _, p := range a.pairs {
		p.Recompute(a.role == RoleControlling)
	}
	sortPairsByPriority(a.orderedPairs)
}

func (a *Agent) knownLocalAddressLocked(addr AddressRecord) bool {
	for _, c := range a.local.Candidates {
		if c.Address.Equal(addr) {
			return true
		}
	}
	return false
}

func (a *Agent) findPairByRemoteLocked(addr AddressRecord) *CandidatePair {
	for _, p := range a.pairs {
		if p.Remote.Address.Equal(addr) {
			return p
		}
	}
	return nil
}

func (a *Agent) replyStunSuccessLocked(req *stun.Message, addr AddressRecord) {
	resp := stun.NewMessageWithTransactionID(stun.SuccessResponse, stun.MethodBinding, req.TransactionID)
	resp.SetXorMappedAddress(&net.UDPAddr{IP: addr.IP, Port: addr.Port})
	cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.local.Pwd}
	if err := resp.AddMessageIntegrity(cred, stun.IntegritySHA1); err != nil {
		log.Warn("ice: failed to sign binding response: %s", err)
		return
	}
	buf := stun.WriteWithFingerprint(resp)
	if err := a.directSend(addr, buf); err != nil {
		log.Warn("ice: failed to send binding response to %s: %s", addr, err)
	}
}

func (a *Agent) replyStunErrorLocked(req *stun.Message, addr AddressRecord, code int, reason string) {
	resp := stun.NewMessageWithTransactionID(stun.ErrorResponse, stun.MethodBinding, req.TransactionID)
	resp.SetErrorCode(code, reason)
	if code == 487 {
		switch a.role {
		case RoleControlling:
			resp.SetIceControlling(a.tiebreaker)
		case RoleControlled:
			resp.SetIceControlled(a.tiebreaker)
		}
		// 487 answers a request that already passed authentication, so
		// it is integrity-protected like a success response; the peer
		// drops unauthenticated role-conflict responses.
		cred := stun.Credentials{Type: stun.ShortTermCredential, Password: a.local.Pwd}
		if err := resp.AddMessageIntegrity(cred, stun.IntegritySHA1); err != nil {
			log.Warn("ice: failed to sign role-conflict response: %s", err)
			return
		}
	}
	buf := stun.WriteWithFingerprint(resp)
	if err := a.directSend(addr, buf); err != nil {
		log.Warn("ice: failed to send error response to %s: %s", addr, err)
	}
}
