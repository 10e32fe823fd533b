package server

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"remoting/message"
	"remoting/middleware"
)

// Dispatcher routes decoded requests to registered services.
//
//	Handle → middleware chain → invoke → service lookup → method lookup
//	       → decode args → reflect.Call → encode result → Response
//
// It is safe for concurrent use; registering a name again replaces the
// previous service.
type Dispatcher struct {
	logger *zap.Logger

	mu          sync.RWMutex
	services    map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger:   logger,
		services: make(map[string]*service),
	}
	d.handler = d.invoke
	return d
}

// Register exposes every suitable exported method of rcvr under the name of
// its concrete type.
func (d *Dispatcher) Register(rcvr any) error {
	return d.RegisterName("", rcvr)
}

// RegisterName is Register with an explicit service name.
func (d *Dispatcher) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr, nil)
	if err != nil {
		return err
	}
	d.add(svc)
	return nil
}

// RegisterAs exposes impl under the name of interface T, which is the name
// generated stubs for T call. Only T's methods are exposed.
func RegisterAs[T any](d *Dispatcher, impl T) error {
	iface := reflect.TypeOf((*T)(nil)).Elem()
	if iface.Kind() != reflect.Interface {
		return errors.Errorf("rpc: RegisterAs needs an interface type, got %s", iface)
	}
	svc, err := newService(iface.Name(), impl, iface)
	if err != nil {
		return err
	}
	d.add(svc)
	return nil
}

func (d *Dispatcher) add(svc *service) {
	d.mu.Lock()
	_, replaced := d.services[svc.name]
	d.services[svc.name] = svc
	d.mu.Unlock()

	names := make([]string, 0, len(svc.method))
	for name := range svc.method {
		names = append(names, name)
	}
	sort.Strings(names)
	d.logger.Info("service registered",
		zap.String("service", svc.name),
		zap.Strings("methods", names),
		zap.Bool("replaced", replaced))
}

// Services returns the registered service names, sorted.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Use appends middlewares to the chain in front of the services.
func (d *Dispatcher) Use(mws ...middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, mws...)
	d.handler = middleware.Chain(d.middlewares...)(d.invoke)
}

// Handle produces exactly one response for req, carrying req.ID.
func (d *Dispatcher) Handle(ctx context.Context, req *message.Request) (resp *message.Response) {
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			resp = d.panicked(req, r)
		}
		if resp == nil {
			resp = message.NewFailure(req.ID, message.Errorf(message.KindApplication,
				"%s produced no response", req.ServiceMethod()))
		}
		if resp.ID != req.ID {
			fixed := *resp
			fixed.ID = req.ID
			resp = &fixed
		}
	}()
	return handler(message.ContextWithMetadata(ctx, req.Metadata), req)
}

func (d *Dispatcher) invoke(ctx context.Context, req *message.Request) (resp *message.Response) {
	d.mu.RLock()
	svc, ok := d.services[req.Service]
	d.mu.RUnlock()
	if !ok {
		return message.NewFailure(req.ID, message.Errorf(message.KindServiceNotFound,
			"service %q is not registered", req.Service))
	}

	mt, ok := svc.method[req.Method]
	if !ok || !mt.matches(req.Args) {
		return message.NewFailure(req.ID, message.Errorf(message.KindMethodNotFound,
			"no method %s accepting %s", req.ServiceMethod(), describeArgs(req.Args)))
	}

	defer func() {
		if r := recover(); r != nil {
			resp = d.panicked(req, r)
		}
	}()
	result, callErr := svc.call(ctx, mt, req.Args)
	if callErr != nil {
		return message.NewFailure(req.ID, callErr)
	}
	return message.NewSuccess(req.ID, result)
}

func (d *Dispatcher) panicked(req *message.Request, r any) *message.Response {
	stack := string(debug.Stack())
	d.logger.Error("handler panicked",
		zap.String("method", req.ServiceMethod()),
		zap.Uint64("id", req.ID),
		zap.Any("panic", r),
		zap.String("stack", stack))
	return message.NewFailure(req.ID, &message.Error{
		Kind:    message.KindPanic,
		Message: fmt.Sprint(r),
		Stack:   stack,
	})
}

func describeArgs(args []message.Arg) string {
	if len(args) == 0 {
		return "no arguments"
	}
	tags := make([]string, len(args))
	for i, a := range args {
		tags[i] = a.Type
		if tags[i] == "" {
			tags[i] = "?"
		}
	}
	return fmt.Sprintf("%d arguments %v", len(args), tags)
}
