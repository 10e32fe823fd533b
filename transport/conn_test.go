package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"remoting/config"
	"remoting/protocol"
)

// tcpPair creates a connected pair of TCP connections for testing.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case server := <-accepted:
		t.Cleanup(func() {
			client.Close()
			server.Close()
		})
		return server, client
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil, nil
	}
}

func testOptions(t *testing.T) Options {
	return Options{
		MaxFrameSize: 1024,
		Heartbeat:    config.HeartbeatConfig{Interval: time.Hour, Misses: 3},
		WriteTimeout: time.Second,
		Logger:       zaptest.NewLogger(t),
	}
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	a, b := tcpPair(t)

	got := make(chan protocol.Frame, 10)
	opts := testOptions(t)
	opts.OnFrame = func(c *Conn, f protocol.Frame) { got <- f }
	receiver := NewConn(b, opts)
	receiver.Start(context.Background())
	defer receiver.Close()

	sender := NewConn(a, testOptions(t))
	sender.Start(context.Background())
	defer sender.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.WriteFrame(protocol.Frame{Type: protocol.TypeRequest, Payload: []byte{byte(i)}}))
	}
	for i := 0; i < 5; i++ {
		select {
		case f := <-got:
			assert.Equal(t, protocol.TypeRequest, f.Type)
			assert.Equal(t, []byte{byte(i)}, f.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
	assert.Equal(t, StateActive, receiver.State())
}

func TestConnConcurrentWritesDoNotInterleave(t *testing.T) {
	a, b := tcpPair(t)
	sender := NewConn(a, testOptions(t))
	sender.Start(context.Background())
	defer sender.Close()

	const writers, frames = 16, 40
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(w)}, 100+w*7)
			for i := 0; i < frames; i++ {
				assert.NoError(t, sender.WriteFrame(protocol.Frame{Type: protocol.TypeResponse, Payload: payload}))
			}
		}(w)
	}

	counts := make(map[byte]int)
	for i := 0; i < writers*frames; i++ {
		f, err := protocol.Decode(b, 4096)
		require.NoError(t, err)
		require.NotEmpty(t, f.Payload)
		w := f.Payload[0]
		require.Len(t, f.Payload, 100+int(w)*7)
		for _, x := range f.Payload {
			require.Equal(t, w, x, "frame bytes interleaved")
		}
		counts[w]++
	}
	wg.Wait()
	for w := 0; w < writers; w++ {
		assert.Equal(t, frames, counts[byte(w)])
	}
}

func TestConnAnswersPing(t *testing.T) {
	a, b := tcpPair(t)
	c := NewConn(a, testOptions(t))
	c.Start(context.Background())
	defer c.Close()

	require.NoError(t, protocol.Encode(b, protocol.Frame{Type: protocol.TypePing}))
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.Decode(b, 1024)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, f.Type)
}

func TestConnClosesOnOversizeFrame(t *testing.T) {
	a, b := tcpPair(t)

	closed := make(chan error, 1)
	delivered := make(chan struct{}, 1)
	opts := testOptions(t)
	opts.OnFrame = func(*Conn, protocol.Frame) { delivered <- struct{}{} }
	opts.OnEvent = func(c *Conn, ev Event, err error) {
		if ev == EventClosed {
			closed <- err
		}
	}
	c := NewConn(a, opts)
	c.Start(context.Background())

	hdr := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(hdr, 4096)
	hdr[4] = byte(protocol.TypeResponse)
	_, err := b.Write(hdr)
	require.NoError(t, err)

	select {
	case err := <-closed:
		assert.True(t, errors.Is(err, protocol.ErrFrameTooLarge), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	<-c.Done()
	assert.Equal(t, StateClosed, c.State())
	assert.Len(t, delivered, 0)
	assert.True(t, errors.Is(c.WriteFrame(protocol.Frame{Type: protocol.TypePing}), ErrConnClosed))
}

func TestConnIdlePeerIsDeclaredDead(t *testing.T) {
	a, b := tcpPair(t)

	var mu sync.Mutex
	var events []Event
	opts := testOptions(t)
	opts.Heartbeat = config.HeartbeatConfig{Interval: 20 * time.Millisecond, Misses: 2}
	opts.OnEvent = func(c *Conn, ev Event, err error) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	c := NewConn(a, opts)
	c.Start(context.Background())

	// The peer reads our pings but never answers.
	pings := make(chan struct{}, 16)
	go func() {
		for {
			f, err := protocol.Decode(b, 1024)
			if err != nil {
				return
			}
			if f.Type == protocol.TypePing {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
	assert.True(t, errors.Is(c.Err(), ErrIdleTimeout), "got %v", c.Err())
	assert.NotEmpty(t, pings)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Event{EventConnected, EventIdle, EventClosed}, events)
}

func TestConnHeartbeatKeepsLivePeer(t *testing.T) {
	a, b := tcpPair(t)
	opts := testOptions(t)
	opts.Heartbeat = config.HeartbeatConfig{Interval: 15 * time.Millisecond, Misses: 2}

	left := NewConn(a, opts)
	right := NewConn(b, opts)
	left.Start(context.Background())
	right.Start(context.Background())
	defer left.Close()
	defer right.Close()

	time.Sleep(300 * time.Millisecond)
	assert.False(t, left.IsClosed())
	assert.False(t, right.IsClosed())
}

func TestConnContextCancelCloses(t *testing.T) {
	a, _ := tcpPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConn(a, testOptions(t))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, c.IsClosed())
}
