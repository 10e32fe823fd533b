// Package client is the calling side: it turns a (service, method, args)
// triple into a request frame on a pooled connection and resolves the answer
// through the correlation table.
//
//	Go ──► encode args ──► Pool.Acquire ──► Table.Register ──► WriteFrame
//	                                                               │
//	Call.Wait ◄── Future ◄── Table.Fulfill ◄── OnFrame (read loop) ◄┘
//
// Exactly one of these completes a call: its response, its deadline (swept by
// the expiry loop), the death of its connection, or the caller giving up.
package client

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"remoting/codec"
	"remoting/config"
	"remoting/correlation"
	"remoting/message"
	"remoting/protocol"
	"remoting/stub"
	"remoting/transport"
)

// ErrClientClosed fails calls made after, or still pending at, Close.
var ErrClientClosed = errors.New("client: closed")

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialer replaces the TCP dialer, e.g. to add TLS.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// WithCallerID overrides the random caller identity stamped on every request.
func WithCallerID(id string) Option {
	return func(c *Client) {
		c.callerID = id
	}
}

type Client struct {
	cfg      config.ClientConfig
	logger   *zap.Logger
	dial     transport.Dialer
	envelope codec.Codec
	callerID string

	table *correlation.Table
	seq   atomic.Uint64

	mu     sync.Mutex
	pools  map[string]*transport.Pool
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewClient(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		logger:   zap.NewNop(),
		envelope: codec.GetCodec(cfg.Codec),
		callerID: uuid.NewString(),
		table:    correlation.NewTable(),
		pools:    make(map[string]*transport.Pool),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		c.dial = transport.TCPDialer(cfg.Socket)
	}
	c.logger = c.logger.Named("client").With(zap.String("caller", c.callerID))

	c.wg.Add(1)
	go c.expireLoop()
	return c, nil
}

func (c *Client) expireLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			if n := c.table.ExpireOverdue(now); n > 0 {
				c.logger.Debug("calls timed out", zap.Int("count", n))
			}
		}
	}
}

// pool returns the pool for endpoint, creating it on first use.
func (c *Client) pool(endpoint string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	p, ok := c.pools[endpoint]
	if !ok {
		p = transport.NewPool(endpoint, transport.PoolConfig{
			Size:        c.cfg.PoolSize,
			MaxConns:    c.cfg.MaxConns,
			MaxInflight: c.cfg.MaxInflight,
			Dial:        c.dial,
			Conn: transport.Options{
				MaxFrameSize: c.cfg.MaxFrameSize,
				Heartbeat:    c.cfg.Heartbeat,
				WriteTimeout: c.cfg.Socket.WriteTimeout,
				Logger:       c.logger,
				OnFrame:      c.onFrame,
				OnEvent: func(conn *transport.Conn, ev transport.Event, err error) {
					c.onEvent(endpoint, conn, ev, err)
				},
			},
		})
		c.pools[endpoint] = p
	}
	return p, nil
}

// onFrame runs on a connection's read loop.
func (c *Client) onFrame(conn *transport.Conn, f protocol.Frame) {
	if f.Type != protocol.TypeResponse {
		c.logger.Warn("unexpected frame on client connection", zap.Uint64("conn", conn.ID()), zap.Stringer("type", f.Type))
		return
	}
	resp := new(message.Response)
	if err := c.envelope.Decode(f.Payload, resp); err != nil {
		c.logger.Warn("response decode failure", zap.Uint64("conn", conn.ID()), zap.Uint64("id", resp.ID), zap.Error(err))
		if resp.ID != 0 {
			c.table.Fail(resp.ID, message.Errorf(message.KindDecode, "decode response: %v", err))
		}
		return
	}
	if !c.table.Fulfill(resp) {
		c.logger.Debug("dropping response for unknown call", zap.Uint64("id", resp.ID), zap.Uint64("conn", conn.ID()))
	}
}

func (c *Client) onEvent(endpoint string, conn *transport.Conn, ev transport.Event, err error) {
	if ev != transport.EventClosed {
		return
	}
	lost := message.Errorf(message.KindConnectionLost, "connection to %s lost", endpoint)
	if err != nil && !errors.Is(err, transport.ErrConnClosed) {
		lost = message.Errorf(message.KindConnectionLost, "connection to %s lost: %v", endpoint, err)
	}
	if n := c.table.FailOwner(conn.ID(), lost); n > 0 {
		c.logger.Info("failed pending calls of closed connection",
			zap.String("endpoint", endpoint), zap.Uint64("conn", conn.ID()), zap.Int("count", n))
	}
}

// Call is the handle of one asynchronous call.
type Call struct {
	ID       uint64
	Endpoint string
	Service  string
	Method   string

	client *Client
	future *correlation.Future
	err    error // set when the call failed before it was sent
	done   chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (c *Client) failedCall(call *Call, err error) *Call {
	call.err = err
	call.done = closedChan
	return call
}

// Go starts a call and returns without waiting for the answer. A zero
// timeout means the configured default; a ctx deadline that comes earlier
// wins. The deadline also bounds waiting for a connection from a saturated
// pool. ctx bounds only the sending; use Call.Wait to bound the waiting.
func (c *Client) Go(ctx context.Context, endpoint, service, method string, args []any, timeout time.Duration) *Call {
	call := &Call{Endpoint: endpoint, Service: service, Method: method, client: c}

	encoded, err := encodeArgs(args)
	if err != nil {
		return c.failedCall(call, err)
	}

	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p, err := c.pool(endpoint)
	if err != nil {
		return c.failedCall(call, err)
	}
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := p.Acquire(acquireCtx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil || errors.Is(err, transport.ErrPoolClosed):
			return c.failedCall(call, err)
		case errors.Is(err, context.DeadlineExceeded):
			return c.failedCall(call, message.Errorf(message.KindTimeout,
				"%s.%s: no connection to %s within %s", service, method, endpoint, timeout))
		}
		return c.failedCall(call, message.Errorf(message.KindConnectionLost, "connect %s: %v", endpoint, err))
	}

	call.ID = c.seq.Add(1)
	req := &message.Request{
		ID:       call.ID,
		Service:  service,
		Method:   method,
		Args:     encoded,
		Metadata: c.metadata(ctx),
	}
	payload, err := c.envelope.Encode(req)
	if err == nil && 1+len(payload) > c.cfg.MaxFrameSize {
		err = message.Errorf(message.KindBadArguments, "request of %d bytes exceeds the frame limit %d", len(payload), c.cfg.MaxFrameSize)
	}
	if err != nil {
		p.Release(conn)
		return c.failedCall(call, err)
	}

	future, err := c.table.Register(call.ID, deadline,
		correlation.Owner(conn.ID()),
		correlation.OnDone(func() { p.Release(conn) }))
	if err != nil {
		p.Release(conn)
		return c.failedCall(call, err)
	}
	call.future = future

	if err := conn.WriteFrame(protocol.Frame{Type: protocol.TypeRequest, Payload: payload}); err != nil {
		c.table.Fail(call.ID, message.Errorf(message.KindConnectionLost, "send to %s: %v", endpoint, err))
	}
	return call
}

func (c *Client) metadata(ctx context.Context) map[string]string {
	from := message.MetadataFromContext(ctx)
	md := make(map[string]string, len(from)+1)
	for k, v := range from {
		md[k] = v
	}
	md[message.MetaCallerID] = c.callerID
	return md
}

func encodeArgs(args []any) ([]message.Arg, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]message.Arg, len(args))
	for i, a := range args {
		data, err := codec.Payload.Encode(a)
		if err != nil {
			return nil, message.Errorf(message.KindBadArguments, "argument %d: %v", i, err)
		}
		out[i] = message.Arg{Type: typeTag(a), Data: data}
	}
	return out, nil
}

// typeTag names the Go type of an argument; nil has no tag and matches any
// parameter.
func typeTag(v any) string {
	if v == nil {
		return ""
	}
	return reflect.TypeOf(v).String()
}

// Done is closed once the outcome is known.
func (call *Call) Done() <-chan struct{} {
	if call.future == nil {
		return call.done
	}
	return call.future.Done()
}

// Cancel abandons the call. It reports whether the call was still pending; a
// response arriving afterwards is dropped.
func (call *Call) Cancel() bool {
	if call.future == nil {
		return false
	}
	return call.client.table.Remove(call.ID)
}

// Wait blocks until the call completes or ctx ends, and decodes the result
// into reply (a pointer, or nil to discard it). If ctx ends first the call is
// cancelled.
func (call *Call) Wait(ctx context.Context, reply any) error {
	if call.future == nil {
		return call.err
	}
	select {
	case <-call.future.Done():
	case <-ctx.Done():
		if call.Cancel() {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return message.Errorf(message.KindTimeout, "%s.%s: %v", call.Service, call.Method, ctx.Err())
			}
			return errors.Wrapf(ctx.Err(), "%s.%s", call.Service, call.Method)
		}
		<-call.future.Done()
	}
	return call.result(reply)
}

func (call *Call) result(reply any) error {
	resp, err := call.future.Result()
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := codec.Payload.Decode(resp.Result, reply); err != nil {
		return message.Errorf(message.KindDecode, "%s.%s result: %v", call.Service, call.Method, err)
	}
	return nil
}

// Invoke calls and waits: the synchronous form of Go.
func (c *Client) Invoke(ctx context.Context, endpoint, service, method string, args []any, reply any) error {
	return c.Go(ctx, endpoint, service, method, args, 0).Wait(ctx, reply)
}

// Resolver finds the endpoint serving a logical service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Target returns an Invoker sending every call to endpoint, for use with
// stub.NewFactory.
func (c *Client) Target(endpoint string) stub.Invoker {
	return stub.InvokerFunc(func(ctx context.Context, service, method string, args []any, reply any) error {
		return c.Invoke(ctx, endpoint, service, method, args, reply)
	})
}

// Resolve returns an Invoker that looks up the endpoint of each call's
// service through r.
func (c *Client) Resolve(r Resolver) stub.Invoker {
	return stub.InvokerFunc(func(ctx context.Context, service, method string, args []any, reply any) error {
		endpoint, err := r.Resolve(ctx, service)
		if err != nil {
			return errors.Wrapf(err, "resolve %s", service)
		}
		return c.Invoke(ctx, endpoint, service, method, args, reply)
	})
}

// Pending returns the number of calls awaiting an outcome.
func (c *Client) Pending() int {
	return c.table.Len()
}

// Contains reports whether call id is still pending.
func (c *Client) Contains(id uint64) bool {
	return c.table.Contains(id)
}

// Conns returns the number of open connections to endpoint.
func (c *Client) Conns(endpoint string) int {
	c.mu.Lock()
	p, ok := c.pools[endpoint]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return p.Len()
}

// Close closes every connection and fails every pending call. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	for _, p := range pools {
		_ = p.Close()
	}
	if n := c.table.FailAll(ErrClientClosed); n > 0 {
		c.logger.Debug("failed pending calls on close", zap.Int("count", n))
	}
	return nil
}
