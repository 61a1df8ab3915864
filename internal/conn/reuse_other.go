//go:build !linux

package conn

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
