//go:build linux

package ice

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr is the net.ListenConfig.Control hook that sets
// SO_REUSEADDR before bind, so a configured port range can be rebound
// promptly after a previous agent on the same port shuts down.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
