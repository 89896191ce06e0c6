// Package loadbalance picks one server instance per connection when a client
// dials a service through a registry.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful services that want key affinity
package loadbalance

import (
	"github.com/pkg/errors"

	"anyrpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects a target instance. key is the affinity key (for example a
// function ID); strategies that do not need one ignore it. Implementations
// must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance, key string) (registry.Instance, error)
	// Name returns the strategy name, for logging.
	Name() string
}

// New returns the balancer registered under name: "roundrobin", "random" or
// "hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "random":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
	}
}
