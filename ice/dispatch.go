package ice

import (
	"github.com/lanikai/goice/stun"
)

// input classifies and routes one ingress datagram. Must be called with
// mu held; relayed is always nil at the call site in run() (the event
// loop reads one socket, which only ever faces the TURN server's address
// for a relayed candidate's traffic, handled below by address match
// rather than by caller-supplied hint).
func (a *Agent) input(data []byte, addr AddressRecord, relayed *AddressRecord) {
	if relayEntry := a.findRelayEntryByServerLocked(addr); relayEntry != nil {
		a.inputFromRelayServerLocked(relayEntry, data)
		return
	}

	if stun.IsMessage(data) {
		a.handleStunMessageLocked(data, addr, nil)
		return
	}

	// Application data is only accepted from sources a pair exists for;
	// anything else is dropped.
	if a.findPairByRemoteLocked(addr) == nil {
		log.Debug("ice: dropping datagram from unknown source %s", addr)
		return
	}
	a.queueCallbackLocked(func() { a.invokeData(data) })
}

// inputFromRelayServerLocked handles a datagram whose source address is a
// known TURN server: either a ChannelData frame, a Data indication, or a
// STUN response to the relay entry's own (or one of its CreatePermission/
// ChannelBind) transactions.
func (a *Agent) inputFromRelayServerLocked(relayEntry *StunEntry, data []byte) {
	if channel, payload, ok := parseChannelData(data); ok {
		if peer, found := relayEntry.Turn.Map.FindChannel(channel); found {
			a.deliverRelayedPayloadLocked(peer.IP, peer.Port, payload)
		}
		return
	}

	if !stun.IsMessage(data) {
		return
	}
	a.handleStunMessageLocked(data, relayEntry.Remote, relayEntry)
}

// deliverRelayedPayloadLocked hands a TURN-relayed application datagram
// to the user callback. The application layer does not need to know
// whether a datagram arrived directly or via a relay.
func (a *Agent) deliverRelayedPayloadLocked(ip []byte, port int, payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)
	a.queueCallbackLocked(func() { a.invokeData(data) })
}

// handleStunMessageLocked parses and routes one STUN datagram. relayEntry
// is non-nil when data arrived from a TURN server's address, needed to
// resolve CreatePermission/ChannelBind responses that are not tracked as
// top-level StunEntry transactions.
func (a *Agent) handleStunMessageLocked(data []byte, addr AddressRecord, relayEntry *StunEntry) {
	msg, err := stun.Read(data)
	if err != nil {
		log.Warn("ice: dropping malformed STUN message from %s: %s", addr, err)
		return
	}

	switch msg.Class {
	case stun.Request:
		a.handleStunRequestLocked(data, msg, addr)

	case stun.SuccessResponse, stun.ErrorResponse:
		if e := a.findEntryByTransactionIDLocked(msg.TransactionID); e != nil {
			switch e.Type {
			case EntryCheck:
				a.handleCheckResponse(e, msg, data)
			case EntryServer:
				a.handleServerResponse(e, msg)
			case EntryRelay:
				a.handleRelayResponse(e, msg, data)
			}
			return
		}
		if relayEntry != nil {
			a.handleRelaySubResponse(relayEntry, msg, data)
		}

	case stun.Indication:
		if msg.Method == stun.MethodData && relayEntry != nil {
			a.handleTurnDataIndicationLocked(msg)
		}
		// Binding indications (keepalives from the peer) need no action.
	}
}

// handleTurnDataIndicationLocked unwraps a TURN Data indication (the
// fallback delivery path for a peer with no channel bound yet), per
// RFC 8656 §11.7.
func (a *Agent) handleTurnDataIndicationLocked(msg *stun.Message) {
	data, ok := msg.GetData()
	if !ok {
		return
	}
	peerAddr := msg.GetXorPeerAddress()
	if peerAddr == nil {
		return
	}
	a.deliverRelayedPayloadLocked(peerAddr.IP, peerAddr.Port, data)
}

func (a *Agent) findRelayEntryByServerLocked(addr AddressRecord) *StunEntry {
	for _, e := range a.entries {
		if e.Type == EntryRelay && e.Remote.Equal(addr) {
			return e
		}
	}
	return nil
}

func (a *Agent) findEntryByTransactionIDLocked(tid [stun.TransactionIDSize]byte) *StunEntry {
	for _, e := range a.entries {
		switch e.State {
		case EntryPending, EntrySucceeded, EntrySucceededKeepalive:
		default:
			continue
		}
		if e.TransactionID == tid {
			return e
		}
	}
	return nil
}
