// Package config holds the tunables of the client and server.
//
// Every struct has a Default constructor with values that work on a laptop and
// a Validate method that names the first bad field.
package config

import (
	"time"

	"github.com/pkg/errors"

	"remoting/codec"
	"remoting/protocol"
)

// SocketConfig is applied to every TCP connection, inbound or outbound.
type SocketConfig struct {
	KeepAlive      bool
	NoDelay        bool // disable Nagle (send coalescing)
	SendBuffer     int  // SO_SNDBUF in bytes, 0 keeps the OS default
	ReceiveBuffer  int  // SO_RCVBUF in bytes, 0 keeps the OS default
	ReuseAddr      bool // SO_REUSEADDR on listening sockets
	Backlog        int  // accept queue length, applied via listen(2) on unix; 0 keeps the OS default
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration // per-frame write deadline, 0 disables
}

// HeartbeatConfig is the idle policy shared by both ends.
//
// Every Interval with no traffic in either direction a ping is sent. After
// Misses consecutive intervals without a single byte read the peer is
// declared dead.
type HeartbeatConfig struct {
	Interval time.Duration
	Misses   int
}

type ServerConfig struct {
	ListenAddr      string // e.g. ":5678"
	AdvertiseAddr   string // address published to the registry, defaults to the bound address
	BossThreads     int    // accept loops on the listening socket
	WorkerThreads   int    // dispatcher execution pool size
	MaxFrameSize    int
	Codec           codec.CodecType
	Socket          SocketConfig
	Heartbeat       HeartbeatConfig
	ShutdownTimeout time.Duration // how long Close waits for in-flight handlers
	RegistryTTL     int64         // lease seconds when advertising to a registry
}

type ClientConfig struct {
	DefaultTimeout time.Duration // per-call timeout when the caller passes 0
	ExpireInterval time.Duration // how often overdue calls are swept
	PoolSize       int           // connections kept per endpoint
	MaxConns       int           // hard cap on connections per endpoint
	MaxInflight    int           // calls per connection before it counts as busy, 0 = unlimited
	MaxFrameSize   int
	Codec          codec.CodecType
	Socket         SocketConfig
	Heartbeat      HeartbeatConfig
}

func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		KeepAlive:      true,
		NoDelay:        true,
		SendBuffer:     65535,
		ReceiveBuffer:  65535,
		ReuseAddr:      true,
		Backlog:        1024,
		ConnectTimeout: 3 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Misses:   3,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":5678",
		BossThreads:     1,
		WorkerThreads:   200,
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		Codec:           codec.CodecTypeJSON,
		Socket:          DefaultSocketConfig(),
		Heartbeat:       DefaultHeartbeatConfig(),
		ShutdownTimeout: 5 * time.Second,
		RegistryTTL:     10,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultTimeout: 10 * time.Second,
		ExpireInterval: 50 * time.Millisecond,
		PoolSize:       2,
		MaxConns:       8,
		MaxInflight:    256,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		Codec:          codec.CodecTypeJSON,
		Socket:         DefaultSocketConfig(),
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

func (c SocketConfig) Validate() error {
	switch {
	case c.SendBuffer < 0:
		return errors.New("config: socket send buffer must be >= 0")
	case c.ReceiveBuffer < 0:
		return errors.New("config: socket receive buffer must be >= 0")
	case c.Backlog < 0:
		return errors.New("config: socket backlog must be >= 0")
	case c.ConnectTimeout < 0 || c.WriteTimeout < 0:
		return errors.New("config: socket timeouts must be >= 0")
	}
	return nil
}

func (c HeartbeatConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.Errorf("config: heartbeat interval must be > 0, got %s", c.Interval)
	}
	if c.Misses < 1 {
		return errors.Errorf("config: heartbeat misses must be >= 1, got %d", c.Misses)
	}
	return nil
}

func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: server listen address is empty")
	}
	if c.BossThreads < 1 {
		return errors.Errorf("config: boss threads must be >= 1, got %d", c.BossThreads)
	}
	if c.WorkerThreads < 1 {
		return errors.Errorf("config: worker threads must be >= 1, got %d", c.WorkerThreads)
	}
	if c.MaxFrameSize <= protocol.HeaderSize {
		return errors.Errorf("config: max frame size too small: %d", c.MaxFrameSize)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("config: shutdown timeout must be >= 0")
	}
	if err := c.Socket.Validate(); err != nil {
		return errors.Wrap(err, "server")
	}
	return errors.Wrap(c.Heartbeat.Validate(), "server")
}

func (c ClientConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.Errorf("config: default timeout must be > 0, got %s", c.DefaultTimeout)
	}
	if c.ExpireInterval <= 0 {
		return errors.Errorf("config: expire interval must be > 0, got %s", c.ExpireInterval)
	}
	if c.PoolSize < 1 {
		return errors.Errorf("config: pool size must be >= 1, got %d", c.PoolSize)
	}
	if c.MaxConns < c.PoolSize {
		return errors.Errorf("config: max conns (%d) must be >= pool size (%d)", c.MaxConns, c.PoolSize)
	}
	if c.MaxInflight < 0 {
		return errors.New("config: max inflight must be >= 0")
	}
	if c.MaxFrameSize <= protocol.HeaderSize {
		return errors.Errorf("config: max frame size too small: %d", c.MaxFrameSize)
	}
	if err := c.Socket.Validate(); err != nil {
		return errors.Wrap(err, "client")
	}
	return errors.Wrap(c.Heartbeat.Validate(), "client")
}
