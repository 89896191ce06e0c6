package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryRegistry keeps registrations in process memory. TTLs are ignored. It
// serves single-process deployments and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[string]map[string]Instance // service → addr → instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{services: make(map[string]map[string]Instance)}
}

func (r *MemoryRegistry) Register(_ context.Context, serviceName string, instance Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.services[serviceName]
	if !ok {
		instances = make(map[string]Instance)
		r.services[serviceName] = instances
	}
	instances[instance.Addr] = instance
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.services[serviceName], addr)
	if len(r.services[serviceName]) == 0 {
		delete(r.services, serviceName)
	}
	return nil
}

// Discover returns the instances ordered by address.
func (r *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]Instance, 0, len(r.services[serviceName]))
	for _, instance := range r.services[serviceName] {
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "service %q", serviceName)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}
