//go:build windows

package source

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddrControl enables SO_REUSEADDR on the listening socket before bind.
// Windows has no SO_REUSEPORT; SO_REUSEADDR alone allows cooperating
// instances to share the UDP port.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
