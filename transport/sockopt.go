package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"remoting/config"
)

// ApplySocketOptions sets keep-alive, no-delay and buffer sizes on a TCP
// connection. Non-TCP connections (net.Pipe in tests) are left alone.
func ApplySocketOptions(conn net.Conn, cfg config.SocketConfig) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcp.SetKeepAlive(cfg.KeepAlive); err != nil {
		return errors.Wrap(err, "set keepalive")
	}
	if err := tcp.SetNoDelay(cfg.NoDelay); err != nil {
		return errors.Wrap(err, "set nodelay")
	}
	if cfg.SendBuffer > 0 {
		if err := tcp.SetWriteBuffer(cfg.SendBuffer); err != nil {
			return errors.Wrap(err, "set send buffer")
		}
	}
	if cfg.ReceiveBuffer > 0 {
		if err := tcp.SetReadBuffer(cfg.ReceiveBuffer); err != nil {
			return errors.Wrap(err, "set receive buffer")
		}
	}
	return nil
}

// Listen binds a TCP listener with the listen-socket options applied,
// including the accept queue length where the platform allows it.
func Listen(ctx context.Context, addr string, cfg config.SocketConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: listenControl(cfg)}
	if !cfg.KeepAlive {
		lc.KeepAlive = -1
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	if cfg.Backlog > 0 {
		if err := setBacklog(ln, cfg.Backlog); err != nil {
			_ = ln.Close()
			return nil, errors.Wrapf(err, "listen %s: backlog %d", addr, cfg.Backlog)
		}
	}
	return ln, nil
}

// Dialer opens a raw connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// TCPDialer dials with the connect timeout and socket options of cfg.
func TCPDialer(cfg config.SocketConfig) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		if !cfg.KeepAlive {
			d.KeepAlive = -1
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		if err := ApplySocketOptions(conn, cfg); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
