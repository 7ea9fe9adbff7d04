//go:build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setBacklog calls listen(2) again on the bound socket. Linux accepts this on
// a listening socket and replaces the queue length chosen by the runtime.
func setBacklog(ln net.Listener, backlog int) error {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var listenErr error
	if err := raw.Control(func(fd uintptr) {
		listenErr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return listenErr
}
