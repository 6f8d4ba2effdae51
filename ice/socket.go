package ice

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

// bindSocket opens the agent's single UDP socket. When a port range is
// configured it tries each port in turn, applying SO_REUSEADDR via the
// platform-specific listen-control hook in socket_linux.go /
// socket_other.go so a restart can rebind promptly.
func bindSocket(portMin, portMax int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}

	if portMin == 0 || portMax == 0 {
		return lc.ListenPacket(context.Background(), "udp", ":0")
	}

	var lastErr error
	for port := portMin; port <= portMax; port++ {
		conn, err := lc.ListenPacket(context.Background(), "udp", ":"+strconv.Itoa(port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "ice: no free port in [%d, %d]", portMin, portMax)
}

// enumerateHostAddresses lists up to 7 local unicast addresses, skipping
// down interfaces, paired with the bound socket's port. Loopback
// interfaces are skipped unless includeLoopback. IPv6 addresses are
// skipped unless enableIPv6, and link-local addresses are always skipped:
// they are not useful ICE candidates, and sending to them needs
// platform-specific scope handling this package does not attempt.
func enumerateHostAddresses(conn net.PacketConn, enableIPv6, includeLoopback bool) ([]AddressRecord, error) {
	_, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	const maxEnumerated = 7
	var out []AddressRecord
	for _, iface := range ifaces {
		if len(out) >= maxEnumerated {
			break
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !includeLoopback {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if len(out) >= maxEnumerated {
				break
			}
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ipNet.IP.IsLoopback() && !includeLoopback {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil && !enableIPv6 {
				continue
			}
			out = append(out, addressRecordFromIP(ipNet.IP, port))
		}
	}
	return out, nil
}

// isTransientReadError reports whether a socket read failed because of an
// ICMP error bounced back for an earlier transmission (port or host
// unreachable, surfaced as an errno on some platforms) rather than
// because the socket itself is unusable. The event loop ignores these and
// keeps reading; the affected entry's retransmission budget deals with
// the unreachable peer.
func isTransientReadError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
