package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// PoolConfig bounds the connections to one endpoint.
type PoolConfig struct {
	Size        int // connections opened before existing ones are shared
	MaxConns    int // hard cap, reached only when every connection is busy
	MaxInflight int // calls per connection before it counts as busy, 0 = unlimited
	Dial        Dialer
	Conn        Options // template for every connection; OnEvent is chained, not replaced
}

// Pool manages the multiplexed connections to a single address.
//
// Connections are created lazily. Acquire prefers opening a new connection
// while the pool holds fewer than Size; after that it shares the least-loaded
// one. A connection with MaxInflight calls is busy: if every connection is
// busy the pool grows up to MaxConns, and beyond that Acquire waits for a
// Release. Dials are single-flight, so concurrent first use opens one socket.
type Pool struct {
	addr   string
	cfg    PoolConfig
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  []*Conn
	closed bool
	freed  chan struct{} // closed and replaced whenever capacity may have freed up

	dials singleflight.Group
}

func NewPool(addr string, cfg PoolConfig) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.MaxConns < cfg.Size {
		cfg.MaxConns = cfg.Size
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		addr:   addr,
		cfg:    cfg,
		logger: cfg.Conn.Logger.With(zap.String("endpoint", addr)),
		ctx:    ctx,
		cancel: cancel,
		freed:  make(chan struct{}),
	}
}

func (p *Pool) busy(c *Conn) bool {
	return p.cfg.MaxInflight > 0 && c.Inflight() >= int64(p.cfg.MaxInflight)
}

// pick returns the live connection with the fewest calls and the number of
// live connections. Caller holds p.mu.
func (p *Pool) pick() (*Conn, int) {
	var best *Conn
	live := 0
	for _, c := range p.conns {
		if c.IsClosed() {
			continue
		}
		live++
		if best == nil || c.Inflight() < best.Inflight() {
			best = c
		}
	}
	return best, live
}

// Acquire returns a connection with its in-flight count already incremented.
// Every successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		best, live := p.pick()
		switch {
		case best != nil && !p.busy(best) && (best.Inflight() == 0 || live >= p.cfg.Size):
			best.inflight.Add(1)
			p.mu.Unlock()
			return best, nil

		case live < p.cfg.MaxConns:
			p.mu.Unlock()
			if _, err := p.dial(ctx); err != nil {
				return nil, err
			}
			// Re-evaluate: the new connection is now in p.conns.

		default:
			wait := p.freed
			p.mu.Unlock()
			p.logger.Debug("pool exhausted, waiting for a free connection")
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "waiting for connection")
			}
		}
	}
}

// Release gives back a slot taken by Acquire.
func (p *Pool) Release(c *Conn) {
	c.inflight.Add(-1)
	p.signal()
}

func (p *Pool) signal() {
	p.mu.Lock()
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	v, err, _ := p.dials.Do("dial", func() (any, error) {
		raw, err := p.cfg.Dial(ctx, p.addr)
		if err != nil {
			return nil, err
		}

		opts := p.cfg.Conn
		onEvent := opts.OnEvent
		opts.OnEvent = func(c *Conn, ev Event, err error) {
			if ev == EventClosed {
				p.remove(c)
			}
			if onEvent != nil {
				onEvent(c, ev, err)
			}
		}
		c := NewConn(raw, opts)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = c.Close()
			return nil, ErrPoolClosed
		}
		p.conns = append(p.conns, c)
		p.mu.Unlock()

		p.logger.Debug("connection opened", zap.Uint64("conn", c.ID()))
		c.Start(p.ctx)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// remove evicts a closed connection so the next Acquire dials a fresh one.
func (p *Pool) remove(c *Conn) {
	p.mu.Lock()
	for i, cc := range p.conns {
		if cc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.logger.Debug("connection evicted", zap.Uint64("conn", c.ID()), zap.Error(c.Err()))
	p.signal()
}

// Conns returns the connections currently held.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// Len returns the number of connections currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down the pool and closes all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	p.signal()
	return nil
}
