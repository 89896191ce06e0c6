package tcp

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/registry"
	"anyrpc/transport"
)

// DialBalanced looks up the service in the registry of opts and connects to
// the one instance its balancer picks. The service name is the balancing key.
func DialBalanced(ctx context.Context, opts ...transport.DialOption) (*Client, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	instances, err := discover(ctx, dialOptions)
	if err != nil {
		return nil, err
	}
	instance, err := dialOptions.Balancer.Pick(instances, dialOptions.Service)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("service", dialOptions.Service).
		Str("addr", instance.Addr).
		Str("balancer", dialOptions.Balancer.Name()).
		Msg("tcp: picked instance")

	netConn, err := dial(ctx, dialOptions, instance.Addr)
	if err != nil {
		return nil, err
	}
	return newClient(netConn, dialOptions), nil
}

// DialService looks up the service in the registry of opts and connects to
// every instance, so fan-out calls reach all of them.
func DialService(ctx context.Context, opts ...transport.DialOption) (*MultiClient, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	instances, err := discover(ctx, dialOptions)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, len(instances))
	for i, instance := range instances {
		addrs[i] = instance.Addr
	}
	return DialMulti(ctx, append(slices.Clip(opts), transport.WithAddress(addrs...))...)
}

func discover(ctx context.Context, opts *transport.DialOptions) ([]registry.Instance, error) {
	if opts.Registry == nil {
		return nil, errors.New("tcp: discovery needs a registry")
	}

	instances, err := opts.Registry.Discover(ctx, opts.Service)
	if err != nil {
		return nil, err
	}
	if opts.VersionRange == "" {
		return instances, nil
	}
	return registry.MatchVersion(instances, opts.VersionRange)
}
