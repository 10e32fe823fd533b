//go:build !unix

package transport

import (
	"net"
	"syscall"

	"remoting/config"
)

func listenControl(config.SocketConfig) func(network, address string, rc syscall.RawConn) error {
	return nil
}

// setBacklog is a no-op here; the runtime's default queue length applies.
func setBacklog(net.Listener, int) error {
	return nil
}
