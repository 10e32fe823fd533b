package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"remoting/codec"
	"remoting/config"
	"remoting/message"
	"remoting/middleware"
	"remoting/protocol"
	"remoting/registry"
)

type Echo struct {
	gate    chan struct{}
	entered chan struct{}
}

func (e *Echo) Say(s string) string {
	return s
}

func (e *Echo) Wait(ctx context.Context) error {
	e.entered <- struct{}{}
	select {
	case <-e.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testServerConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxFrameSize = 1024
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startEcho(t *testing.T, cfg config.ServerConfig, opts ...Option) (*Server, *Echo) {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := NewServer(cfg, opts...)
	require.NoError(t, err)
	echo := &Echo{gate: make(chan struct{}), entered: make(chan struct{}, 8)}
	require.NoError(t, s.Register(echo))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s, echo
}

func dial(t *testing.T, s *Server) net.Conn {
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, id uint64, method string, args ...any) {
	req := &message.Request{ID: id, Service: "Echo", Method: method}
	for _, a := range args {
		data, err := json.Marshal(a)
		require.NoError(t, err)
		req.Args = append(req.Args, message.Arg{Type: "string", Data: data})
	}
	payload, err := codec.GetCodec(codec.CodecTypeJSON).Encode(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, protocol.Frame{Type: protocol.TypeRequest, Payload: payload}))
}

func recv(t *testing.T, conn net.Conn) *message.Response {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		f, err := protocol.Decode(conn, 0)
		require.NoError(t, err)
		if f.Type != protocol.TypeResponse {
			continue
		}
		resp := new(message.Response)
		require.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(f.Payload, resp))
		return resp
	}
}

// assertClosed reads until the server hangs up.
func assertClosed(t *testing.T, conn net.Conn) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, err := protocol.Decode(conn, 0); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("server never closed the connection")
			}
			return
		}
	}
}

func waitEntered(t *testing.T, echo *Echo) {
	select {
	case <-echo.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
}

func TestServerServesCalls(t *testing.T) {
	s, _ := startEcho(t, testServerConfig())
	conn := dial(t, s)

	req := &message.Request{ID: 1, Service: "Nope", Method: "Say"}
	payload, err := codec.GetCodec(codec.CodecTypeJSON).Encode(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, protocol.Frame{Type: protocol.TypeRequest, Payload: payload}))
	resp := recv(t, conn)
	assert.Equal(t, uint64(1), resp.ID)
	assert.True(t, message.IsKind(resp.Err(), message.KindServiceNotFound))

	send(t, conn, 2, "Shout", "x")
	resp = recv(t, conn)
	assert.Equal(t, uint64(2), resp.ID)
	assert.True(t, message.IsKind(resp.Err(), message.KindMethodNotFound))

	send(t, conn, 3, "Say", "hello")
	resp = recv(t, conn)
	require.NoError(t, resp.Err())
	assert.Equal(t, uint64(3), resp.ID)
	assert.JSONEq(t, `"hello"`, string(resp.Result))
	assert.Equal(t, 1, s.ConnCount())
}

func TestServerAnswersPipelinedRequestsOutOfOrder(t *testing.T) {
	s, echo := startEcho(t, testServerConfig())
	conn := dial(t, s)

	send(t, conn, 1, "Wait")
	send(t, conn, 2, "Say", "fast")

	resp := recv(t, conn)
	assert.Equal(t, uint64(2), resp.ID, "the fast call must not queue behind the slow one")

	close(echo.gate)
	resp = recv(t, conn)
	assert.Equal(t, uint64(1), resp.ID)
	assert.NoError(t, resp.Err())
}

func TestServerStartAndCloseAreIdempotent(t *testing.T) {
	s, err := NewServer(testServerConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NoError(t, s.Start())
	assert.Equal(t, addr, s.Addr())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(), ErrServerClosed)

	_, err = net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err)
}

func TestServerBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testServerConfig()
	cfg.ListenAddr = ln.Addr().String()
	s, err := NewServer(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Error(t, s.Start())
	assert.Nil(t, s.Addr())
}

func TestServerRejectsInvalidConfig(t *testing.T) {
	cfg := testServerConfig()
	cfg.WorkerThreads = 0
	_, err := NewServer(cfg)
	assert.Error(t, err)
}

func TestServerOversizeFrameClosesOnlyThatConnection(t *testing.T) {
	s, _ := startEcho(t, testServerConfig())
	bad := dial(t, s)
	good := dial(t, s)

	hdr := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(hdr, 1<<20)
	hdr[4] = byte(protocol.TypeRequest)
	_, err := bad.Write(hdr)
	require.NoError(t, err)
	assertClosed(t, bad)

	send(t, good, 7, "Say", "still here")
	resp := recv(t, good)
	require.NoError(t, resp.Err())
	assert.JSONEq(t, `"still here"`, string(resp.Result))
	require.Eventually(t, func() bool { return s.ConnCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerUndecodableEnvelopeFailsOnlyThatCall(t *testing.T) {
	s, echo := startEcho(t, testServerConfig())
	conn := dial(t, s)

	send(t, conn, 1, "Wait")
	waitEntered(t, echo)

	// The id survives, the service field does not.
	require.NoError(t, protocol.Encode(conn, protocol.Frame{Type: protocol.TypeRequest, Payload: []byte(`{"id":2,"service":3}`)}))
	resp := recv(t, conn)
	assert.Equal(t, uint64(2), resp.ID)
	assert.Equal(t, message.StatusAppError, resp.Status)
	assert.True(t, message.IsKind(resp.Err(), message.KindDecode), "got %v", resp.Err())

	send(t, conn, 3, "Say", "after")
	resp = recv(t, conn)
	assert.Equal(t, uint64(3), resp.ID)
	require.NoError(t, resp.Err())

	close(echo.gate)
	resp = recv(t, conn)
	assert.Equal(t, uint64(1), resp.ID, "the call in flight is unaffected")
	assert.NoError(t, resp.Err())
	assert.Equal(t, 1, s.ConnCount())
}

func TestServerDropsEnvelopeWithoutID(t *testing.T) {
	s, _ := startEcho(t, testServerConfig())
	conn := dial(t, s)

	require.NoError(t, protocol.Encode(conn, protocol.Frame{Type: protocol.TypeRequest, Payload: []byte("not json")}))
	send(t, conn, 4, "Say", "next")
	resp := recv(t, conn)
	assert.Equal(t, uint64(4), resp.ID)
	require.NoError(t, resp.Err())
}

func TestServerAnswersPing(t *testing.T) {
	s, _ := startEcho(t, testServerConfig())
	conn := dial(t, s)

	require.NoError(t, protocol.Encode(conn, protocol.Frame{Type: protocol.TypePing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	f, err := protocol.Decode(conn, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, f.Type)
}

func TestServerAdvertisesToRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	cfg := testServerConfig()
	cfg.AdvertiseAddr = "10.0.0.1:5678"
	s, _ := startEcho(t, cfg, WithRegistry(reg))
	ctx := context.Background()

	instances, err := reg.Discover(ctx, "Echo")
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceInstance{{Addr: "10.0.0.1:5678"}}, instances)

	require.NoError(t, s.Close())
	instances, err = reg.Discover(ctx, "Echo")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestServerMiddleware(t *testing.T) {
	s, _ := startEcho(t, testServerConfig(), WithMiddleware(middleware.RateLimit(0.001, 1)))
	conn := dial(t, s)

	send(t, conn, 1, "Say", "a")
	assert.NoError(t, recv(t, conn).Err())

	send(t, conn, 2, "Say", "b")
	resp := recv(t, conn)
	assert.Equal(t, uint64(2), resp.ID)
	assert.True(t, message.IsKind(resp.Err(), message.KindRateLimited))
}

func TestServerCloseDrainsInflight(t *testing.T) {
	s, echo := startEcho(t, testServerConfig())
	conn := dial(t, s)

	send(t, conn, 1, "Wait")
	waitEntered(t, echo)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	require.Eventually(t, s.isClosed, time.Second, 5*time.Millisecond)

	// New work is turned away while the old call finishes.
	send(t, conn, 2, "Say", "late")
	resp := recv(t, conn)
	assert.Equal(t, uint64(2), resp.ID)
	assert.True(t, message.IsKind(resp.Err(), message.KindConnectionLost))

	close(echo.gate)
	resp = recv(t, conn)
	assert.Equal(t, uint64(1), resp.ID)
	assert.NoError(t, resp.Err())

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	assertClosed(t, conn)
}

func TestServerCloseTimesOutStuckHandlers(t *testing.T) {
	cfg := testServerConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s, echo := startEcho(t, cfg)
	conn := dial(t, s)

	send(t, conn, 1, "Wait")
	waitEntered(t, echo)

	assert.Error(t, s.Close())
	assertClosed(t, conn)
}

func TestServerCloseAnswersQueuedRequests(t *testing.T) {
	cfg := testServerConfig()
	cfg.WorkerThreads = 1
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s, echo := startEcho(t, cfg)
	conn := dial(t, s)

	send(t, conn, 1, "Wait")
	waitEntered(t, echo)
	// The only worker is busy, so this one queues.
	send(t, conn, 2, "Say", "queued")

	assert.Error(t, s.Close())

	got := make(map[uint64]*message.Response)
	for len(got) < 2 {
		resp := recv(t, conn)
		got[resp.ID] = resp
	}
	assert.True(t, message.IsKind(got[2].Err(), message.KindConnectionLost), "got %v", got[2].Err())
	assert.Error(t, got[1].Err(), "the stuck handler saw its context cancelled")
	assertClosed(t, conn)
}
