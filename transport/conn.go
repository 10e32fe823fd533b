// Package transport owns the TCP connections of both ends.
//
// A Conn multiplexes many calls over one socket. A single goroutine (readLoop)
// reads frames in stream order and hands each one to OnFrame; any number of
// goroutines may call WriteFrame, which serializes whole frames under a mutex.
// A heartbeat goroutine probes idle peers and declares silent ones dead.
//
//	goroutine-1 ──WriteFrame──┐
//	goroutine-2 ──WriteFrame──┼──→ writeMu ──→ socket ──→ peer
//	heartbeat   ──ping────────┘
//
//	readLoop:  ←── frame ──→ ping? answer pong : OnFrame(conn, frame)
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"remoting/config"
	"remoting/protocol"
)

var (
	// ErrConnClosed is the cause recorded when the connection is closed locally.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrIdleTimeout is the cause recorded when the peer stopped answering heartbeats.
	ErrIdleTimeout = errors.New("transport: heartbeat missed")
)

// State of a connection record.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateIdleSuspect
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdleSuspect:
		return "idle-suspect"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Event is a connection lifecycle notification.
type Event int

const (
	EventConnected Event = iota
	EventIdle
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventIdle:
		return "idle"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a Conn.
type Options struct {
	MaxFrameSize int
	Heartbeat    config.HeartbeatConfig
	WriteTimeout time.Duration
	Logger       *zap.Logger

	// OnFrame receives request and response frames in arrival order. It runs on
	// the read loop and must not block; hand slow work to another goroutine.
	OnFrame func(c *Conn, f protocol.Frame)
	// OnEvent receives lifecycle events. EventClosed carries the cause.
	OnEvent func(c *Conn, ev Event, err error)
}

var connSeq atomic.Uint64

type Conn struct {
	id     uint64
	raw    net.Conn
	reader *bufio.Reader
	opts   Options
	logger *zap.Logger

	writeMu   sync.Mutex
	lastRead  atomic.Int64 // unix nanos of the last byte read
	lastWrite atomic.Int64 // unix nanos of the last frame written
	state     atomic.Int32
	inflight  atomic.Int64

	failOnce sync.Once
	closing  chan struct{} // closed on the first failure or Close
	err      error         // cause, written once before closing is closed
	done     chan struct{} // closed when Run has returned
}

// activityReader stamps lastRead whenever bytes arrive, so a slow frame still
// counts as traffic.
type activityReader struct {
	c *Conn
}

func (r activityReader) Read(p []byte) (int, error) {
	n, err := r.c.raw.Read(p)
	if n > 0 {
		r.c.lastRead.Store(time.Now().UnixNano())
	}
	return n, err
}

// NewConn wraps raw. Nothing is read until Run or Start.
func NewConn(raw net.Conn, opts Options) *Conn {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.Heartbeat.Interval <= 0 {
		opts.Heartbeat = config.DefaultHeartbeatConfig()
	}
	if opts.Heartbeat.Misses < 1 {
		opts.Heartbeat.Misses = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Conn{
		id:      connSeq.Add(1),
		raw:     raw,
		opts:    opts,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.logger = opts.Logger.With(zap.Uint64("conn", c.id), zap.Stringer("remote", raw.RemoteAddr()))
	c.reader = bufio.NewReader(activityReader{c})
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	c.state.Store(int32(StateConnecting))
	return c
}

// Start runs the connection in the background.
func (c *Conn) Start(ctx context.Context) {
	go func() {
		_ = c.Run(ctx)
	}()
}

// Run reads frames and runs the heartbeat until the connection fails, Close is
// called or ctx ends. The socket is always closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.state.Store(int32(StateActive))
	c.logger.Debug("connection established")
	c.emit(EventConnected, nil)

	group, child := errgroup.WithContext(ctx)
	group.Go(c.readLoop)
	group.Go(c.heartbeatLoop)
	group.Go(func() error {
		select {
		case <-child.Done():
			c.fail(errors.Wrap(ErrConnClosed, "context done"))
		case <-c.closing:
		}
		_ = c.raw.Close()
		return nil
	})
	_ = group.Wait()

	c.state.Store(int32(StateClosed))
	if errors.Is(c.err, ErrConnClosed) {
		c.logger.Debug("connection closed")
	} else {
		c.logger.Info("connection closed with error", zap.Error(c.err))
	}
	c.emit(EventClosed, c.err)
	close(c.done)
	if errors.Is(c.err, ErrConnClosed) {
		return nil
	}
	return c.err
}

func (c *Conn) emit(ev Event, err error) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(c, ev, err)
	}
}

// fail records the first cause and signals every loop to stop.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.closing)
	})
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	_ = c.raw.Close()
	return nil
}

// WriteFrame writes one whole frame. Concurrent callers never interleave bytes.
// A failed write leaves the stream in an unknown state, so it kills the connection.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	if c.IsClosed() {
		return ErrConnClosed
	}
	buf := protocol.Append(make([]byte, 0, protocol.HeaderSize+len(f.Payload)), f)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := c.raw.Write(buf); err != nil {
		err = errors.Wrap(err, "transport: write")
		c.fail(err)
		_ = c.raw.Close()
		return err
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *Conn) readLoop() error {
	for {
		f, err := protocol.Decode(c.reader, c.opts.MaxFrameSize)
		if err != nil {
			if protocol.IsProtocolError(err) {
				c.logger.Warn("protocol violation, closing connection", zap.Error(err))
			}
			c.fail(err)
			return err
		}

		switch f.Type {
		case protocol.TypePing:
			if err := c.WriteFrame(protocol.Frame{Type: protocol.TypePong}); err != nil {
				return err
			}
		case protocol.TypePong:
			// Activity was already recorded by activityReader.
		default:
			if c.opts.OnFrame != nil {
				c.opts.OnFrame(c, f)
			}
		}
	}
}

// heartbeatLoop wakes every interval. A window with no traffic either way
// sends a ping and marks the connection idle-suspect; each following window
// without a byte read is a miss, and Misses in a row kill the connection.
func (c *Conn) heartbeatLoop() error {
	interval := c.opts.Heartbeat.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seenRead := c.lastRead.Load()
	misses := 0
	for {
		select {
		case <-c.closing:
			return nil
		case <-ticker.C:
		}

		read := c.lastRead.Load()
		if read != seenRead {
			seenRead = read
			misses = 0
			c.state.CompareAndSwap(int32(StateIdleSuspect), int32(StateActive))
		} else if c.State() == StateIdleSuspect {
			misses++
			if misses >= c.opts.Heartbeat.Misses {
				err := errors.Wrapf(ErrIdleTimeout, "%d heartbeats unanswered", misses)
				c.logger.Info("peer idle, closing connection", zap.Int("misses", misses))
				c.fail(err)
				_ = c.raw.Close()
				return err
			}
		}

		last := max(read, c.lastWrite.Load())
		if time.Since(time.Unix(0, last)) >= interval {
			if c.state.CompareAndSwap(int32(StateActive), int32(StateIdleSuspect)) {
				c.emit(EventIdle, nil)
			}
			c.logger.Debug("connection idle, sending ping")
			if err := c.WriteFrame(protocol.Frame{Type: protocol.TypePing}); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsClosed reports whether the connection has failed or been closed.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Done is closed once the socket is closed and EventClosed has been delivered.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause of the closure, valid after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.closing:
		return c.err
	default:
		return nil
	}
}

// LastActivity returns the time of the most recent read or write.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, max(c.lastRead.Load(), c.lastWrite.Load()))
}

// Inflight is the number of calls currently using the connection.
func (c *Conn) Inflight() int64 {
	return c.inflight.Load()
}
