// Package direct is the in-process transport: calls are handed to server
// engines in the same process and answered synchronously, with no framing
// and no I/O.
package direct

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/client"
	"anyrpc/server"
	"anyrpc/transport"
)

// Client calls into one or more local servers. Single calls go to the servers
// in turn; fan-out calls go to all of them, in order.
type Client struct {
	opts    *transport.DialOptions
	engine  *client.Client
	servers []*server.Server
	next    atomic.Uint64
}

var _ transport.Invoker = (*Client)(nil)

func New(servers []*server.Server, opts ...transport.DialOption) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.Wrap(transport.ErrNoAddress, "direct: no servers")
	}

	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:    dialOptions,
		engine:  client.NewClient(dialOptions.Codec),
		servers: servers,
	}, nil
}

func (c *Client) Client() *client.Client {
	return c.engine
}

func (c *Client) Options() *transport.DialOptions {
	return c.opts
}

func (c *Client) Deliver(ctx context.Context, d transport.Delivery) error {
	if !d.Fanout {
		srv := c.servers[(c.next.Add(1)-1)%uint64(len(c.servers))]
		return c.deliverTo(ctx, srv, d, true)
	}

	for i, srv := range c.servers {
		if err := c.deliverTo(ctx, srv, d, i == len(c.servers)-1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) deliverTo(ctx context.Context, srv *server.Server, d transport.Delivery, last bool) error {
	resp, err := srv.Dispatch(ctx, d.Envelope)
	if err != nil {
		if resp = srv.ErrorResponse(d.Envelope, err); resp == nil {
			return err
		}
	}

	if d.Void {
		return nil
	}
	if len(resp) == 0 {
		return errors.Errorf("direct: no response to call %d", d.ID)
	}
	if err := c.engine.IngestPart(resp, last); err != nil {
		log.Warn().Err(err).Uint32("call_id", d.ID).Msg("direct: rejected response")
		return err
	}
	return nil
}
