// Package registry lets servers advertise their address under a service name
// and lets clients find one.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned when a service has no registered address.
var ErrNoInstances = errors.New("registry: no instances")

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises instance under serviceName for ttl seconds, renewed
	// until Deregister or until the registry is closed.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
