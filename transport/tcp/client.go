package tcp

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/client"
	"anyrpc/transport"
)

// Client multiplexes calls over a single connection. Fan-out calls on it
// have exactly one destination, so their only response is the last one.
type Client struct {
	opts   *transport.DialOptions
	engine *client.Client
	conn   *conn
}

var (
	_ transport.Invoker   = (*Client)(nil)
	_ transport.Forgetter = (*Client)(nil)
)

// NewClient wraps an established connection and starts its receive and
// heartbeat loops.
func NewClient(netConn net.Conn, opts ...transport.DialOption) (*Client, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	return newClient(netConn, dialOptions), nil
}

func newClient(netConn net.Conn, dialOptions *transport.DialOptions) *Client {
	c := &Client{
		opts:   dialOptions,
		engine: client.NewClient(dialOptions.Codec),
		conn:   newConn(netConn, dialOptions.Codec),
	}
	c.conn.onResponse = c.ingest
	c.conn.onClose = func(ids []uint32, err error) {
		transport.CancelAll(c.engine, ids, err)
	}
	c.conn.start(dialOptions.Clock, dialOptions.HeartbeatInterval)
	return c
}

// Dial connects to the single address in opts.
func Dial(ctx context.Context, opts ...transport.DialOption) (*Client, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	if len(dialOptions.Addrs) != 1 {
		return nil, errors.Wrapf(transport.ErrNoAddress, "tcp: want one address, got %d", len(dialOptions.Addrs))
	}

	netConn, err := dial(ctx, dialOptions, dialOptions.Addrs[0])
	if err != nil {
		return nil, err
	}
	return newClient(netConn, dialOptions), nil
}

func dial(ctx context.Context, opts *transport.DialOptions, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return netConn, nil
}

func (c *Client) Client() *client.Client {
	return c.engine
}

func (c *Client) Options() *transport.DialOptions {
	return c.opts
}

func (c *Client) Deliver(_ context.Context, d transport.Delivery) error {
	return c.conn.send(d)
}

// Forget drops call id from the connection's in-flight set.
func (c *Client) Forget(id uint32) {
	c.conn.untrack(id)
}

func (c *Client) ingest(seq uint32, body []byte) {
	if err := c.engine.Ingest(body); err != nil {
		log.Warn().Err(err).Uint32("seq", seq).Msg("tcp: rejected response")
	}
}

// Close closes the connection; calls still in flight fail with
// transport.ErrConnectionClosed.
func (c *Client) Close() error {
	return c.conn.close()
}
