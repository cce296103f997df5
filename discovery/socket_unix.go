//go:build !windows

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setBroadcast enables SO_BROADCAST on the requester socket.
func setBroadcast(network, address string, c syscall.RawConn) error {
	var sockOptErr error
	err := c.Control(func(fd uintptr) {
		sockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockOptErr
}
