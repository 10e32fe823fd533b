package registry

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// Resolver maps a logical service name to the endpoint calls should go to.
// It always picks the lowest address so every client of a service converges
// on the same endpoint; spreading load is left to the deployment.
type Resolver struct {
	reg Registry
}

func NewResolver(reg Registry) *Resolver {
	return &Resolver{reg: reg}
}

func (r *Resolver) Resolve(ctx context.Context, serviceName string) (string, error) {
	instances, err := r.reg.Discover(ctx, serviceName)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", errors.Wrap(ErrNoInstances, serviceName)
	}
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return addrs[0], nil
}
