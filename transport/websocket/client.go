package websocket

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"anyrpc/client"
	"anyrpc/protocol"
	"anyrpc/transport"
)

// Client multiplexes calls over one WebSocket connection.
type Client struct {
	opts   *transport.DialOptions
	engine *client.Client
	ws     *websocket.Conn

	mu       sync.Mutex
	inflight map[uint32]struct{}
	err      error

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ transport.Invoker   = (*Client)(nil)
	_ transport.Forgetter = (*Client)(nil)
)

// Dial opens a WebSocket to the single URL in opts (ws:// or wss://).
func Dial(ctx context.Context, opts ...transport.DialOption) (*Client, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	if len(dialOptions.Addrs) != 1 {
		return nil, errors.Wrapf(transport.ErrNoAddress, "websocket: want one URL, got %d", len(dialOptions.Addrs))
	}

	dialCtx := ctx
	if dialOptions.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialOptions.ConnectTimeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(dialCtx, dialOptions.Addrs[0], nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", dialOptions.Addrs[0])
	}
	return NewClient(ws, dialOptions), nil
}

// NewClient takes over an established connection and starts reading from it.
func NewClient(ws *websocket.Conn, dialOptions *transport.DialOptions) *Client {
	ws.SetReadLimit(int64(protocol.HeaderSize) + int64(protocol.MaxBodySize))

	c := &Client{
		opts:     dialOptions,
		engine:   client.NewClient(dialOptions.Codec),
		ws:       ws,
		inflight: make(map[uint32]struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.recvLoop()
	return c
}

func (c *Client) Client() *client.Client {
	return c.engine
}

func (c *Client) Options() *transport.DialOptions {
	return c.opts
}

func (c *Client) Deliver(ctx context.Context, d transport.Delivery) error {
	if !d.Void {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return err
		}
		c.inflight[d.ID] = struct{}{}
		c.mu.Unlock()
	}

	header := &protocol.Header{CodecType: c.opts.Codec, MsgType: protocol.MsgTypeRequest, Seq: d.ID}
	if err := writeFrame(ctx, c.ws, header, d.Envelope); err != nil {
		c.untrack(d.ID)
		return errors.Wrapf(transport.ErrConnectionClosed, "send call %d: %v", d.ID, err)
	}
	return nil
}

// Forget drops call id from the in-flight set.
func (c *Client) Forget(id uint32) {
	c.untrack(id)
}

func (c *Client) untrack(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, id)
}

func (c *Client) recvLoop() {
	for {
		header, body, err := readFrame(c.ctx, c.ws)
		if err != nil {
			c.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		c.untrack(header.Seq)
		if err := c.engine.Ingest(body); err != nil {
			log.Warn().Err(err).Uint32("seq", header.Seq).Msg("websocket: rejected response")
		}
	}
}

func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = errors.Wrapf(transport.ErrConnectionClosed, "websocket: %v", cause)
	ids := make([]uint32, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	c.inflight = make(map[uint32]struct{})
	err := c.err
	c.mu.Unlock()

	c.cancel()
	transport.CancelAll(c.engine, ids, err)
}

// Close closes the connection; calls still in flight fail with
// transport.ErrConnectionClosed.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.fail(errors.New("closed by client"))
	return err
}
