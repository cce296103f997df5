//go:build windows

package discovery

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setBroadcast enables SO_BROADCAST on the requester socket.
func setBroadcast(network, address string, c syscall.RawConn) error {
	var sockOptErr error
	err := c.Control(func(fd uintptr) {
		sockOptErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockOptErr
}
