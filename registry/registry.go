// Package registry publishes the addresses of running servers so clients can
// find them by service name.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Discover when a service has no live instances.
var ErrNotFound = errors.New("registry: no instances")

// Instance is one reachable server of a service.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes instance under serviceName. The entry disappears
	// ttl seconds after the process stops renewing it.
	Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Instance, error)
}
