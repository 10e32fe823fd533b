// Package server implements the listening side: it accepts connections,
// decodes request frames and runs them through the Dispatcher.
//
// Request processing pipeline:
//
//	accept loop (BossThreads) → transport.Conn (one read loop per conn)
//	  → for each request frame: go handleRequest (bounded by WorkerThreads)
//	    → decode envelope → Dispatcher.Handle → encode → WriteFrame
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"remoting/codec"
	"remoting/config"
	"remoting/message"
	"remoting/middleware"
	"remoting/protocol"
	"remoting/registry"
	"remoting/transport"
)

// ErrServerClosed is returned by Start after Close.
var ErrServerClosed = errors.New("server: closed")

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry advertises every registered service on Start and withdraws
// them on Close.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithMiddleware installs middlewares in front of the services.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

type Server struct {
	cfg         config.ServerConfig
	logger      *zap.Logger
	dispatcher  *Dispatcher
	envelope    codec.Codec
	workers     *semaphore.Weighted
	registry    registry.Registry
	middlewares []middleware.Middleware

	// connCtx ends every connection; handlerCtx is given to handlers and only
	// ends once the drain in Close is over.
	connCtx       context.Context
	cancelConns   context.CancelFunc
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	mu         sync.Mutex
	started    bool
	closed     bool
	ln         net.Listener
	conns      map[*transport.Conn]struct{}
	advertised []string // service names published to the registry
	addr       string   // address published to the registry

	accepts  errgroup.Group
	handlers sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		logger:   zap.NewNop(),
		envelope: codec.GetCodec(cfg.Codec),
		workers:  semaphore.NewWeighted(int64(cfg.WorkerThreads)),
		conns:    make(map[*transport.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("server")
	s.dispatcher = NewDispatcher(s.logger)
	s.dispatcher.Use(s.middlewares...)
	s.connCtx, s.cancelConns = context.WithCancel(context.Background())
	s.handlerCtx, s.cancelHandler = context.WithCancel(context.Background())
	return s, nil
}

// Dispatcher gives access to RegisterAs and the other registration forms.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
func (s *Server) Register(rcvr any) error {
	return s.dispatcher.Register(rcvr)
}

func (s *Server) RegisterName(name string, rcvr any) error {
	return s.dispatcher.RegisterName(name, rcvr)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.dispatcher.Use(mw)
}

// Start binds the listening socket and starts the accept loops. It returns
// once the socket is bound. A bind failure is returned as is and not retried;
// calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil
	}

	ln, err := transport.Listen(context.Background(), s.cfg.ListenAddr, s.cfg.Socket)
	if err != nil {
		return err
	}
	if err := s.advertise(ln.Addr()); err != nil {
		_ = ln.Close()
		return err
	}
	s.ln = ln
	s.started = true

	for i := 0; i < s.cfg.BossThreads; i++ {
		s.accepts.Go(func() error {
			return s.acceptLoop(ln)
		})
	}
	s.logger.Info("server started",
		zap.Stringer("addr", ln.Addr()),
		zap.Int("boss", s.cfg.BossThreads),
		zap.Int("workers", s.cfg.WorkerThreads),
		zap.Stringer("codec", s.envelope.Type()))
	return nil
}

// advertise publishes every service under the advertise address. Caller holds s.mu.
func (s *Server) advertise(bound net.Addr) error {
	if s.registry == nil {
		return nil
	}
	s.addr = s.cfg.AdvertiseAddr
	if s.addr == "" {
		s.addr = bound.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Socket.ConnectTimeout+time.Second)
	defer cancel()
	for _, name := range s.dispatcher.Services() {
		inst := registry.ServiceInstance{Addr: s.addr}
		if err := s.registry.Register(ctx, name, inst, s.cfg.RegistryTTL); err != nil {
			s.withdraw(ctx)
			return errors.Wrapf(err, "advertise %s", name)
		}
		s.advertised = append(s.advertised, name)
	}
	return nil
}

func (s *Server) withdraw(ctx context.Context) {
	for _, name := range s.advertised {
		if err := s.registry.Deregister(ctx, name, s.addr); err != nil {
			s.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
		}
	}
	s.advertised = nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := transport.ApplySocketOptions(raw, s.cfg.Socket); err != nil {
			s.logger.Warn("socket options not applied", zap.Error(err))
		}
		s.serveConn(raw)
	}
}

func (s *Server) serveConn(raw net.Conn) {
	c := transport.NewConn(raw, transport.Options{
		MaxFrameSize: s.cfg.MaxFrameSize,
		Heartbeat:    s.cfg.Heartbeat,
		WriteTimeout: s.cfg.Socket.WriteTimeout,
		Logger:       s.logger,
		OnFrame:      s.onFrame,
		OnEvent:      s.onEvent,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.Start(s.connCtx)
}

func (s *Server) onEvent(c *transport.Conn, ev transport.Event, err error) {
	if ev != transport.EventClosed {
		return
	}
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// onFrame runs on the connection's read loop and must not block: each request
// is handed to its own goroutine, which then waits for a worker slot.
func (s *Server) onFrame(c *transport.Conn, f protocol.Frame) {
	if f.Type != protocol.TypeRequest {
		s.logger.Warn("unexpected frame on server connection", zap.Uint64("conn", c.ID()), zap.Stringer("type", f.Type))
		return
	}
	req := new(message.Request)
	if err := s.envelope.Decode(f.Payload, req); err != nil {
		// Both codecs fill the id before they fail on a later field.
		if req.ID == 0 {
			s.logger.Warn("undecodable request envelope without id, dropped",
				zap.Uint64("conn", c.ID()), zap.Error(err))
			return
		}
		s.logger.Warn("undecodable request envelope",
			zap.Uint64("conn", c.ID()), zap.Uint64("id", req.ID), zap.Error(err))
		s.reply(c, req, message.NewFailure(req.ID, message.Errorf(message.KindDecode, "decode request: %v", err)))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(c, req, shuttingDown(req))
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()

	go s.handleRequest(c, req)
}

func (s *Server) handleRequest(c *transport.Conn, req *message.Request) {
	defer s.handlers.Done()

	if err := s.workers.Acquire(s.handlerCtx, 1); err != nil {
		s.reply(c, req, shuttingDown(req))
		return
	}
	if s.handlerCtx.Err() != nil {
		s.workers.Release(1)
		s.reply(c, req, shuttingDown(req))
		return
	}
	resp := s.dispatcher.Handle(s.handlerCtx, req)
	s.workers.Release(1)

	s.reply(c, req, resp)
}

func shuttingDown(req *message.Request) *message.Response {
	return message.NewFailure(req.ID, message.Errorf(message.KindConnectionLost, "server shutting down"))
}

func (s *Server) reply(c *transport.Conn, req *message.Request, resp *message.Response) {
	payload, err := s.envelope.Encode(resp)
	if err == nil && 1+len(payload) > s.cfg.MaxFrameSize {
		err = errors.Errorf("response of %d bytes exceeds the frame limit", len(payload))
	}
	if err != nil {
		s.logger.Error("response not encodable", zap.String("method", req.ServiceMethod()), zap.Error(err))
		payload, err = s.envelope.Encode(message.NewFailure(req.ID,
			message.Errorf(message.KindApplication, "encode response: %v", err)))
		if err != nil {
			return
		}
	}

	if err := c.WriteFrame(protocol.Frame{Type: protocol.TypeResponse, Payload: payload}); err != nil {
		s.logger.Debug("response not delivered", zap.String("method", req.ServiceMethod()), zap.Error(err))
	}
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close performs graceful shutdown:
//  1. Withdraw the services from the registry, so clients stop routing here
//  2. Close the listener and wait for the accept loops
//  3. Wait for in-flight requests, at most ShutdownTimeout; their responses
//     still go out on the open connections. On timeout the handler context
//     is cancelled and requests still queued for a worker are answered with
//     ConnectionLost
//  4. Close every connection
//
// Close is idempotent. It returns an error only when the drain timed out.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	if s.registry != nil && len(s.advertised) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		s.withdraw(ctx)
		cancel()
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
		_ = s.accepts.Wait()
	}

	var drainErr error
	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.cancelHandler()
	case <-time.After(s.cfg.ShutdownTimeout):
		drainErr = errors.New("server: timed out waiting for in-flight requests")
		s.logger.Warn("shutdown drain timed out", zap.Duration("timeout", s.cfg.ShutdownTimeout))
		// Queued requests now get their shutdown reply and handlers that
		// watch ctx return; give them one more window to write it.
		s.cancelHandler()
		select {
		case <-drained:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.logger.Warn("handlers ignored cancellation")
		}
	}

	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancelConns()
	for _, c := range conns {
		<-c.Done()
	}
	s.logger.Info("server stopped")
	return drainErr
}
