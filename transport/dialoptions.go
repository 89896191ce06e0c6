package transport

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/blang/semver"
	"github.com/pkg/errors"

	"anyrpc/codec"
	"anyrpc/loadbalance"
	"anyrpc/registry"
)

type DialOptions struct {
	Addrs []string

	// Timeout for the dial operation
	ConnectTimeout time.Duration

	// Timeout for individual calls; zero waits as long as the context allows
	CallTimeout time.Duration

	// Interval between heartbeat frames on idle stream connections; zero
	// disables them
	HeartbeatInterval time.Duration

	Codec codec.CodecType

	// Responders is the number of replies a fan-out call waits for on
	// broadcast transports (MQTT), where the peers are not known up front.
	Responders int

	// Service names the service on registries and broker topics.
	Service string

	Registry registry.Registry
	Balancer loadbalance.Balancer

	// VersionRange restricts discovered instances, e.g. ">=1.2.0 <2.0.0".
	VersionRange string

	Clock clock.Clock
}

type DialOption func(*DialOptions) error

// NewDialOptions applies opts over the defaults.
func NewDialOptions(opts ...DialOption) (*DialOptions, error) {
	dialOptions := &DialOptions{
		ConnectTimeout:    5 * time.Second,
		CallTimeout:       5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Codec:             codec.CodecTypeMsgpack,
		Responders:        1,
		Service:           "anyrpc",
		Balancer:          &loadbalance.RoundRobinBalancer{},
		Clock:             clock.New(),
	}

	for _, opt := range opts {
		if err := opt(dialOptions); err != nil {
			return nil, err
		}
	}
	return dialOptions, nil
}

func WithAddress(addr ...string) DialOption {
	return func(opts *DialOptions) error {
		opts.Addrs = append(opts.Addrs, addr...)
		return nil
	}
}

func WithConnectTimeout(d time.Duration) DialOption {
	return func(opts *DialOptions) error {
		opts.ConnectTimeout = d
		return nil
	}
}

func WithCallTimeout(d time.Duration) DialOption {
	return func(opts *DialOptions) error {
		opts.CallTimeout = d
		return nil
	}
}

func WithHeartbeatInterval(d time.Duration) DialOption {
	return func(opts *DialOptions) error {
		opts.HeartbeatInterval = d
		return nil
	}
}

func WithCodec(codecType codec.CodecType) DialOption {
	return func(opts *DialOptions) error {
		if !codec.Valid(codecType) {
			return errors.Errorf("unsupported codec type %d", codecType)
		}
		opts.Codec = codecType
		return nil
	}
}

func WithResponders(n int) DialOption {
	return func(opts *DialOptions) error {
		if n < 1 {
			return errors.Errorf("responders must be positive, got %d", n)
		}
		opts.Responders = n
		return nil
	}
}

func WithService(name string) DialOption {
	return func(opts *DialOptions) error {
		opts.Service = name
		return nil
	}
}

func WithRegistry(reg registry.Registry) DialOption {
	return func(opts *DialOptions) error {
		opts.Registry = reg
		return nil
	}
}

func WithBalancer(b loadbalance.Balancer) DialOption {
	return func(opts *DialOptions) error {
		opts.Balancer = b
		return nil
	}
}

func WithClock(cl clock.Clock) DialOption {
	return func(opts *DialOptions) error {
		opts.Clock = cl
		return nil
	}
}

// WithVersionRange only dials registry instances whose version is in r.
func WithVersionRange(r string) DialOption {
	return func(opts *DialOptions) error {
		if _, err := semver.ParseRange(r); err != nil {
			return errors.Wrapf(err, "version range %q", r)
		}
		opts.VersionRange = r
		return nil
	}
}
