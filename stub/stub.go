// Package stub turns remote interfaces into local values.
//
// For every remote interface, generated code (see cmd/stubgen) provides a
// concrete type whose methods marshal their arguments into an Invoker call,
// and registers its constructor here from an init function:
//
//	func init() { stub.Register[EchoService](NewEchoServiceStub) }
//
// A Factory then hands out one stub per interface type:
//
//	f := stub.NewFactory(client.Target("10.0.0.7:5678"))
//	echo, err := stub.Get[api.EchoService](f)
package stub

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// ErrNoConstructor is returned by Get for an interface with no generated stub.
var ErrNoConstructor = errors.New("stub: no constructor registered")

// Invoker performs one synchronous remote call. reply, when non-nil, must be
// a pointer the result is decoded into.
type Invoker interface {
	Invoke(ctx context.Context, service, method string, args []any, reply any) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, service, method string, args []any, reply any) error

func (f InvokerFunc) Invoke(ctx context.Context, service, method string, args []any, reply any) error {
	return f(ctx, service, method, args, reply)
}

var (
	ctorMu sync.RWMutex
	ctors  = make(map[reflect.Type]func(Invoker) any)
)

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register records the stub constructor for interface T. Registering T twice
// replaces the previous constructor.
func Register[T any](ctor func(Invoker) T) {
	t := typeOf[T]()
	if t.Kind() != reflect.Interface {
		panic("stub: Register with non-interface type " + t.String())
	}
	ctorMu.Lock()
	defer ctorMu.Unlock()
	ctors[t] = func(inv Invoker) any { return ctor(inv) }
}

func constructor(t reflect.Type) (func(Invoker) any, bool) {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	ctor, ok := ctors[t]
	return ctor, ok
}

// ServiceName is the name calls on T are addressed to: the bare interface name.
func ServiceName[T any]() string {
	return typeOf[T]().Name()
}

// Factory caches one stub per interface type for its lifetime. Entries are
// created on first use and never evicted.
type Factory struct {
	inv Invoker

	mu    sync.RWMutex
	stubs map[reflect.Type]any
	group singleflight.Group
}

func NewFactory(inv Invoker) *Factory {
	return &Factory{
		inv:   inv,
		stubs: make(map[reflect.Type]any),
	}
}

func (f *Factory) cached(t reflect.Type) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stubs[t]
	return s, ok
}

// Get returns the stub for T. Concurrent first calls construct it once and
// all receive the same instance.
func Get[T any](f *Factory) (T, error) {
	var zero T
	t := typeOf[T]()
	if s, ok := f.cached(t); ok {
		return s.(T), nil
	}

	v, err, _ := f.group.Do(t.PkgPath()+"."+t.String(), func() (any, error) {
		if s, ok := f.cached(t); ok {
			return s, nil
		}
		ctor, ok := constructor(t)
		if !ok {
			return nil, errors.Wrap(ErrNoConstructor, t.String())
		}
		s := ctor(f.inv)
		f.mu.Lock()
		f.stubs[t] = s
		f.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// MustGet is Get for wiring code that cannot continue without the stub.
func MustGet[T any](f *Factory) T {
	s, err := Get[T](f)
	if err != nil {
		panic(err)
	}
	return s
}
