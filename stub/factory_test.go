package stub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
}

type Unregistered interface {
	Nothing(ctx context.Context) error
}

type greeterStub struct {
	inv Invoker
}

func (s *greeterStub) Greet(ctx context.Context, name string) (string, error) {
	var reply string
	err := s.inv.Invoke(ctx, "Greeter", "Greet", []any{name}, &reply)
	return reply, err
}

var constructed atomic.Int32

func init() {
	Register[Greeter](func(inv Invoker) Greeter {
		constructed.Add(1)
		return &greeterStub{inv: inv}
	})
}

type recorded struct {
	service, method string
	args            []any
}

func recordingInvoker(calls *[]recorded, mu *sync.Mutex) Invoker {
	return InvokerFunc(func(ctx context.Context, service, method string, args []any, reply any) error {
		mu.Lock()
		*calls = append(*calls, recorded{service, method, args})
		mu.Unlock()
		if p, ok := reply.(*string); ok {
			*p = "hello " + args[0].(string)
		}
		return nil
	})
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "Greeter", ServiceName[Greeter]())
}

func TestGetRoutesCallsThroughInvoker(t *testing.T) {
	var mu sync.Mutex
	var calls []recorded
	f := NewFactory(recordingInvoker(&calls, &mu))

	g, err := Get[Greeter](f)
	require.NoError(t, err)

	out, err := g.Greet(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello alice", out)
	require.Len(t, calls, 1)
	assert.Equal(t, recorded{"Greeter", "Greet", []any{"alice"}}, calls[0])
}

func TestGetConcurrentReturnsSameInstance(t *testing.T) {
	var mu sync.Mutex
	var calls []recorded
	f := NewFactory(recordingInvoker(&calls, &mu))
	before := constructed.Load()

	const n = 64
	got := make([]Greeter, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			g, err := Get[Greeter](f)
			assert.NoError(t, err)
			got[i] = g
		}(i)
	}
	close(start)
	wg.Wait()

	for _, g := range got {
		assert.Same(t, got[0].(*greeterStub), g.(*greeterStub))
	}
	assert.Equal(t, int32(1), constructed.Load()-before)
}

func TestFactoriesDoNotShareInstances(t *testing.T) {
	a := NewFactory(InvokerFunc(func(context.Context, string, string, []any, any) error { return nil }))
	b := NewFactory(InvokerFunc(func(context.Context, string, string, []any, any) error { return nil }))

	ga := MustGet[Greeter](a)
	gb := MustGet[Greeter](b)
	assert.NotSame(t, ga.(*greeterStub), gb.(*greeterStub))
	assert.Same(t, ga.(*greeterStub), MustGet[Greeter](a).(*greeterStub))
}

func TestGetWithoutConstructor(t *testing.T) {
	f := NewFactory(InvokerFunc(func(context.Context, string, string, []any, any) error { return nil }))
	_, err := Get[Unregistered](f)
	assert.True(t, errors.Is(err, ErrNoConstructor))
	assert.Panics(t, func() { MustGet[Unregistered](f) })
}

func TestRegisterRejectsConcreteTypes(t *testing.T) {
	assert.Panics(t, func() {
		Register[*greeterStub](func(inv Invoker) *greeterStub { return nil })
	})
}
