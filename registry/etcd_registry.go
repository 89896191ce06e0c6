package registry

// etcd is used as a phonebook for services:
//
//	Key:   /anyrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed without anyone deregistering it.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/anyrpc/"

func serviceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops the keepalive
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // shared across goroutines

	mu     sync.Mutex
	leases map[string]lease // key → lease of the registration made by this process
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to etcd")
	}
	return &EtcdRegistry{client: c, leases: make(map[string]lease)}, nil
}

// Register grants a lease of ttl seconds, stores the instance under it and
// keeps the lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, "encode instance")
	}

	key := serviceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// the keepalive must outlive ctx, which only bounds the registration
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		log.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	if replaced {
		old.cancel()
	}
	return nil
}

// Deregister removes the instance. If this process registered it, the lease
// is revoked too.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			return errors.Wrapf(err, "revoke lease of %s", key)
		}
		return nil
	}

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]Instance, error) {
	prefix := keyPrefix + serviceName + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", prefix)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			log.Warn().Str("key", string(kv.Key)).Err(err).Msg("skip malformed instance")
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "service %q", serviceName)
	}
	return instances, nil
}

// Close stops all keepalives and closes the etcd client. Registered entries
// expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	return r.client.Close()
}
