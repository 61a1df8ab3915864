//go:build linux

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a rendezvous listener rebind a port still in TIME_WAIT.
func reuseAddr(_, _ string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
