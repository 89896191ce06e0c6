package tcp

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/client"
	"anyrpc/transport"
)

// MultiClient keeps one connection per server. Fan-out calls are written to
// every connection and the response completing the round is ingested as the
// last one. Single calls go to the live connections in turn.
type MultiClient struct {
	opts   *transport.DialOptions
	engine *client.Client
	conns  []*conn
	next   atomic.Uint64
	rounds *transport.Rounds
}

var (
	_ transport.Invoker   = (*MultiClient)(nil)
	_ transport.Forgetter = (*MultiClient)(nil)
)

// NewMultiClient wraps established connections, one per server.
func NewMultiClient(netConns []net.Conn, opts ...transport.DialOption) (*MultiClient, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	if len(netConns) == 0 {
		return nil, errors.Wrap(transport.ErrNoAddress, "tcp: no connections")
	}
	return newMultiClient(netConns, dialOptions), nil
}

func newMultiClient(netConns []net.Conn, dialOptions *transport.DialOptions) *MultiClient {
	engine := client.NewClient(dialOptions.Codec)
	m := &MultiClient{
		opts:   dialOptions,
		engine: engine,
		rounds: transport.NewRounds(engine, transport.DefaultRoundsSize),
	}
	for _, netConn := range netConns {
		c := newConn(netConn, dialOptions.Codec)
		c.onResponse = m.ingest
		c.onClose = m.connClosed
		m.conns = append(m.conns, c)
	}
	for _, c := range m.conns {
		c.start(dialOptions.Clock, dialOptions.HeartbeatInterval)
	}
	return m
}

// DialMulti connects to every address in opts. Addresses that cannot be
// reached are skipped; it fails only if none can.
func DialMulti(ctx context.Context, opts ...transport.DialOption) (*MultiClient, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}

	var netConns []net.Conn
	for _, addr := range dialOptions.Addrs {
		netConn, err := dial(ctx, dialOptions, addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("tcp: skip unreachable server")
			continue
		}
		netConns = append(netConns, netConn)
	}
	if len(netConns) == 0 {
		return nil, errors.Wrapf(transport.ErrNoAddress, "tcp: none of %d servers reachable", len(dialOptions.Addrs))
	}
	return newMultiClient(netConns, dialOptions), nil
}

func (m *MultiClient) Client() *client.Client {
	return m.engine
}

func (m *MultiClient) Options() *transport.DialOptions {
	return m.opts
}

// Size returns the number of connections.
func (m *MultiClient) Size() int {
	return len(m.conns)
}

func (m *MultiClient) Deliver(_ context.Context, d transport.Delivery) error {
	if !d.Fanout {
		c, err := m.pick()
		if err != nil {
			return err
		}
		m.track(d, 1)
		return m.send(c, d)
	}

	// a round with a dead member can never complete
	for _, c := range m.conns {
		if !c.alive() {
			return errors.Wrapf(transport.ErrConnectionClosed, "fan-out call %d", d.ID)
		}
	}

	m.track(d, len(m.conns))
	for _, c := range m.conns {
		if err := m.send(c, d); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiClient) pick() (*conn, error) {
	for i := 0; i < len(m.conns); i++ {
		c := m.conns[(m.next.Add(1)-1)%uint64(len(m.conns))]
		if c.alive() {
			return c, nil
		}
	}
	return nil, errors.Wrap(transport.ErrConnectionClosed, "tcp: no live connection")
}

func (m *MultiClient) track(d transport.Delivery, expected int) {
	if !d.Void {
		m.rounds.Track(d.ID, expected)
	}
}

func (m *MultiClient) send(c *conn, d transport.Delivery) error {
	if err := c.send(d); err != nil {
		m.rounds.Forget(d.ID)
		return err
	}
	return nil
}

// Forget drops the round of call id and the call from every connection.
func (m *MultiClient) Forget(id uint32) {
	m.rounds.Forget(id)
	for _, c := range m.conns {
		c.untrack(id)
	}
}

func (m *MultiClient) ingest(seq uint32, body []byte) {
	if err := m.rounds.Ingest(seq, body); err != nil {
		log.Warn().Err(err).Uint32("seq", seq).Msg("tcp: rejected response")
	}
}

func (m *MultiClient) connClosed(ids []uint32, err error) {
	m.rounds.Forget(ids...)
	transport.CancelAll(m.engine, ids, err)
}

// Close closes all connections.
func (m *MultiClient) Close() error {
	for _, c := range m.conns {
		_ = c.close()
	}
	return nil
}
