package ice

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lanikai/goice/turn"
)

// resolvedServer is a STUN/TURN server hostname resolved to a concrete
// address, preferring the first IPv4 result (else the first IPv6 one).
type resolvedServer struct {
	text string
	addr AddressRecord
}

// startGathering resolves every configured STUN/TURN server concurrently,
// then registers one server/relay StunEntry per server. Initial
// transmissions are staggered by the pacer, relay entries first so TURN
// allocations get the earliest slots.
func (a *Agent) startGathering(ctx context.Context) error {
	if len(a.config.STUNServers) > MaxServerEntriesCount {
		return ErrTooManyEntries
	}
	if len(a.config.TURNServers) > MaxRelayEntriesCount {
		return ErrTooManyEntries
	}

	g, gctx := errgroup.WithContext(ctx)

	stunResolved := make([]resolvedServer, len(a.config.STUNServers))
	for i, server := range a.config.STUNServers {
		i, server := i, server
		g.Go(func() error {
			addr, err := resolveServer(gctx, server)
			if err != nil {
				log.Warn("ice: failed to resolve STUN server %s: %s", server, err)
				return nil
			}
			stunResolved[i] = resolvedServer{text: server, addr: addr}
			return nil
		})
	}

	turnResolved := make([]resolvedServer, len(a.config.TURNServers))
	for i, ts := range a.config.TURNServers {
		i, ts := i, ts
		g.Go(func() error {
			addr, err := resolveServer(gctx, ts.Server)
			if err != nil {
				log.Warn("ice: failed to resolve TURN server %s: %s", ts.Server, err)
				return nil
			}
			turnResolved[i] = resolvedServer{text: ts.Server, addr: addr}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for i, rs := range turnResolved {
		if !rs.addr.IsValid() {
			continue
		}
		cfg := a.config.TURNServers[i]
		entry := &StunEntry{
			ID:     uuid.NewString(),
			Type:   EntryRelay,
			State:  EntryIdle,
			Server: rs.text,
			Remote: rs.addr,
			Turn: &turn.TurnState{
				Credentials: turn.Credentials{
					Username: cfg.Username,
					Password: cfg.Password,
				},
			},
		}
		delay := StunPacingTime * time.Duration(i)
		entry.scheduleFirstTransmission(a.pacer.next(now.Add(delay)))
		a.entries = append(a.entries, entry)
	}

	for i, rs := range stunResolved {
		if !rs.addr.IsValid() {
			continue
		}
		entry := &StunEntry{
			ID:     uuid.NewString(),
			Type:   EntryServer,
			State:  EntryIdle,
			Server: rs.text,
			Remote: rs.addr,
		}
		delay := StunPacingTime * time.Duration(len(turnResolved)+i)
		entry.scheduleFirstTransmission(a.pacer.next(now.Add(delay)))
		a.entries = append(a.entries, entry)
	}

	a.wakeLocked()
	a.updateGatheringDoneLocked()
	return nil
}

func resolveServer(ctx context.Context, server string) (AddressRecord, error) {
	var resolver net.Resolver
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return AddressRecord{}, errors.Wrapf(err, "ice: bad server address %q", server)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return AddressRecord{}, errors.Wrapf(err, "ice: bad port in server address %q", server)
	}
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return AddressRecord{}, errors.Wrapf(err, "ice: resolving %q", host)
	}
	if len(ips) == 0 {
		return AddressRecord{}, errors.Errorf("ice: no addresses for %q", host)
	}

	var chosen net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			chosen = ip
			break
		}
	}
	if chosen == nil {
		chosen = ips[0]
	}
	return addressRecordFromIP(chosen, portNum), nil
}

// updateGatheringDoneLocked re-checks whether any server/relay entry is
// still pending; when none are, it marks local.Finished and fires the
// gathering-done callback.
func (a *Agent) updateGatheringDoneLocked() {
	if a.local.Finished {
		return
	}
	for _, e := range a.entries {
		if e.Type == EntryServer || e.Type == EntryRelay {
			switch e.State {
			case EntryIdle, EntryPending:
				return
			}
		}
	}
	a.local.Finished = true
	a.queueCallbackLocked(a.invokeGatheringDone)
}
