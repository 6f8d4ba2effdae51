//go:build !linux

package ice

import "syscall"

// controlReuseAddr is a no-op outside Linux; the platform-specific
// socket-option syscalls live in socket_linux.go.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
