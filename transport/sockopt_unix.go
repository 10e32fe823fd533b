//go:build unix

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"remoting/config"
)

// listenControl sets SO_REUSEADDR and the receive buffer on the listening
// socket; accepted sockets inherit the buffer size.
func listenControl(cfg config.SocketConfig) func(network, address string, rc syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		var opErr error
		err := rc.Control(func(fd uintptr) {
			if cfg.ReuseAddr {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
					return
				}
			}
			if cfg.ReceiveBuffer > 0 {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBuffer)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// setBacklog re-issues listen(2) on the bound socket with the configured
// queue length; the kernel updates the backlog of a listening socket in place.
func setBacklog(ln net.Listener, backlog int) error {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil
	}
	rc, err := tl.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return opErr
}
