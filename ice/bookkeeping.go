package ice

import "time"

// bookkeeping drives every entry's retransmission/keepalive timer, then
// scans orderedPairs to update selection, nomination, and the agent's
// coarse state. Must be called with mu held.
func (a *Agent) bookkeeping() {
	now := time.Now()

	for _, e := range a.entries {
		a.bookkeepEntry(e, now)
	}

	a.updateSelectionLocked(now)
	a.updateGatheringDoneLocked()
}

// bookkeepEntry advances one entry's state machine by one tick.
func (a *Agent) bookkeepEntry(e *StunEntry, now time.Time) {
	if e.State == EntryCancelled || e.State == EntryFailed {
		return
	}

	switch e.State {
	case EntryIdle:
		if e.Type == EntryCheck && e.Pair != nil && e.Pair.State == PairPending {
			e.scheduleFirstTransmission(a.pacer.next(now))
		}

	case EntryPending:
		if e.NextTransmission.IsZero() || e.NextTransmission.After(now) {
			return
		}
		if e.Retransmissions < 0 {
			e.fail()
			a.onEntryFailedLocked(e)
			return
		}
		if err := a.transmit(e); err != nil {
			log.Warn("ice: %s entry %s: transmit failed: %s", e.Type, e.ID, err)
		}
		e.Retransmissions--
		e.backoff()
		e.NextTransmission = now.Add(e.RetransmissionTimeout)

	case EntrySucceeded:
		switch e.Type {
		case EntryServer:
			// A STUN-server Binding query is one-shot: the server-
			// reflexive candidate it produced is already registered.
			return
		case EntryRelay:
			// Drive the TURN Refresh cycle at TurnRefreshPeriod,
			// reusing the idle->pending transition's bookkeeping.
			if e.NextTransmission.IsZero() {
				e.NextTransmission = now.Add(TurnRefreshPeriod)
				return
			}
			if e.NextTransmission.After(now) {
				return
			}
			e.scheduleFirstTransmission(now)
		default:
			if !a.isSelectedOrNominatedLocked(e) {
				e.State = EntrySucceededKeepalive
				e.NextTransmission = now.Add(StunKeepalivePeriod)
				e.setArmed(true)
			}
		}

	case EntrySucceededKeepalive:
		if !e.isArmed() {
			e.NextTransmission = now.Add(StunKeepalivePeriod)
			e.setArmed(true)
			return
		}
		if e.NextTransmission.IsZero() || e.NextTransmission.After(now) {
			return
		}
		if err := a.sendKeepalive(e); err != nil {
			log.Warn("ice: %s entry %s: keepalive failed: %s", e.Type, e.ID, err)
		}
		e.NextTransmission = now.Add(StunKeepalivePeriod)
	}
}

// isSelectedOrNominatedLocked reports whether a check entry's pair is the
// currently selected pair or is already nominated, the condition that
// defers its keepalive rearm.
func (a *Agent) isSelectedOrNominatedLocked(e *StunEntry) bool {
	if e.Type != EntryCheck || e.Pair == nil {
		// Only check entries with a pair can be selected or nominated.
		return false
	}
	if a.selectedPair == e.Pair {
		return true
	}
	return e.Pair.Nominated
}

// onEntryFailedLocked applies the transaction-exhausted error path: a
// failed check entry fails its pair; a failed server/relay entry's
// failure is only logged and may unblock gathering-done.
func (a *Agent) onEntryFailedLocked(e *StunEntry) {
	if e.Type == EntryCheck && e.Pair != nil {
		e.Pair.State = PairFailed
	} else {
		log.Info("ice: %s entry for %s exhausted retransmissions", e.Type, e.Server)
	}
}

// updateSelectionLocked is the selection pass: find the nominated pair
// (if any) and make it selected; otherwise tentatively select the best
// succeeded pair and, if controlling, request its nomination; freeze
// lower-priority pending pairs once a higher-priority succeeded pair
// exists; advance the coarse state; arm or fire the fail watchdog.
func (a *Agent) updateSelectionLocked(now time.Time) {
	var nominated, bestSucceeded *CandidatePair

	for _, p := range a.orderedPairs {
		if p.Nominated && nominated == nil {
			nominated = p
		}
		if p.State == PairSucceeded && bestSucceeded == nil {
			bestSucceeded = p
		}
	}

	if nominated != nil {
		a.selectPairLocked(nominated)
		a.setStateLocked(Completed)
		a.freezeLowerPriorityLocked(nominated)
		a.failTimestamp = time.Time{}
		return
	}

	if bestSucceeded != nil {
		a.selectPairLocked(bestSucceeded)
		if a.state != Completed {
			a.setStateLocked(Connected)
		}
		a.freezeLowerPriorityLocked(bestSucceeded)

		if a.role == RoleControlling && !bestSucceeded.NominationRequested {
			bestSucceeded.NominationRequested = true
			if entry := a.entryForPairLocked(bestSucceeded); entry != nil {
				entry.rescheduleImmediately(a.pacer.next(now))
			}
		}
		a.failTimestamp = time.Time{}
		return
	}

	a.armFailWatchdogLocked(now)
}

// selectPairLocked publishes pair as the selected pair and entry. The
// selected entry is only ever non-nil after a check has succeeded.
func (a *Agent) selectPairLocked(pair *CandidatePair) {
	if a.selectedPair == pair {
		return
	}
	a.selectedPair = pair
	if a.state == Disconnected || a.state == Gathering {
		a.setStateLocked(Connecting)
	}
	if entry := a.entryForPairLocked(pair); entry != nil {
		a.selectedEntry.Store(entry)
	}
}

// freezeLowerPriorityLocked cancels the checks of pending pairs with
// lower priority than winner. Only the controlling side prunes
// proactively; the controlled side keeps checking until told otherwise.
func (a *Agent) freezeLowerPriorityLocked(winner *CandidatePair) {
	if a.role != RoleControlling {
		return
	}
	for _, p := range a.orderedPairs {
		if p == winner {
			continue
		}
		if p.State == PairPending && p.Priority < winner.Priority {
			p.State = PairFrozen
			if entry := a.entryForPairLocked(p); entry != nil && entry.State != EntryFailed {
				entry.cancel()
			}
		}
	}
}

func (a *Agent) entryForPairLocked(pair *CandidatePair) *StunEntry {
	for _, e := range a.entries {
		if e.Type == EntryCheck && e.Pair == pair {
			return e
		}
	}
	return nil
}

// armFailWatchdogLocked: if no pair is succeeded and none pending, arm
// the fail deadline at now + IceFailTimeout (or fire immediately if the
// remote side already declared itself finished gathering), and
// transition to Failed once it passes.
func (a *Agent) armFailWatchdogLocked(now time.Time) {
	anyPending := false
	for _, p := range a.pairs {
		if p.State == PairPending || p.State == PairFrozen {
			anyPending = true
			break
		}
	}
	if anyPending {
		a.failTimestamp = time.Time{}
		return
	}

	if a.failTimestamp.IsZero() {
		if a.remote.Finished {
			a.failTimestamp = now
		} else {
			a.failTimestamp = now.Add(IceFailTimeout)
		}
		return
	}

	if !now.Before(a.failTimestamp) {
		a.setStateLocked(Failed)
	}
}
