package mqtt

import (
	"context"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/client"
	"anyrpc/protocol"
	"anyrpc/transport"
)

// Client publishes calls for one service and collects the replies addressed
// to it.
type Client struct {
	opts   *transport.DialOptions
	engine *client.Client
	mqtt   paho.Client
	id     string
	qos    byte

	rounds *transport.Rounds

	mu  sync.Mutex
	err error // set once the connection is lost
}

var (
	_ transport.Invoker   = (*Client)(nil)
	_ transport.Forgetter = (*Client)(nil)
)

// Dial creates an MQTT client for the brokers in opts (e.g.
// "tcp://localhost:1883") and subscribes to this client's reply topic.
func Dial(opts ...transport.DialOption) (*Client, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}
	if len(dialOptions.Addrs) == 0 {
		return nil, errors.Wrap(transport.ErrNoAddress, "mqtt: no broker")
	}

	c := newClient(dialOptions)

	mqttOptions := paho.NewClientOptions()
	for _, addr := range dialOptions.Addrs {
		mqttOptions.AddBroker(addr)
	}
	mqttOptions.SetClientID("anyrpc-" + c.id)
	mqttOptions.SetConnectTimeout(dialOptions.ConnectTimeout)
	mqttOptions.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.connectionLost(err)
	})
	mqttOptions.SetAutoReconnect(false)

	c.mqtt = paho.NewClient(mqttOptions)
	if err := c.subscribe(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient uses an existing MQTT client, connecting it if needed. Its
// connection-lost handler is not touched; call ConnectionLost from it to fail
// calls in flight.
func NewClient(mqttClient paho.Client, opts ...transport.DialOption) (*Client, error) {
	dialOptions, err := transport.NewDialOptions(opts...)
	if err != nil {
		return nil, err
	}

	c := newClient(dialOptions)
	c.mqtt = mqttClient
	if err := c.subscribe(); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(dialOptions *transport.DialOptions) *Client {
	engine := client.NewClient(dialOptions.Codec)
	return &Client{
		opts:   dialOptions,
		engine: engine,
		id:     uuid.New().String(),
		qos:    1,
		rounds: transport.NewRounds(engine, transport.DefaultRoundsSize),
	}
}

func (c *Client) subscribe() error {
	if err := ensureConnected(c.mqtt, c.opts.ConnectTimeout); err != nil {
		return err
	}
	topic := replyTopic(c.opts.Service, c.id)
	if err := wait(c.mqtt.Subscribe(topic, c.qos, c.onReply), c.opts.ConnectTimeout); err != nil {
		return errors.WithMessagef(err, "subscribe to %s", topic)
	}
	return nil
}

// ID returns the client ID used in this client's topics.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Client() *client.Client {
	return c.engine
}

func (c *Client) Options() *transport.DialOptions {
	return c.opts
}

func (c *Client) Deliver(_ context.Context, d transport.Delivery) error {
	topic := anyTopic(c.opts.Service, c.id)
	expected := 1
	if d.Fanout {
		topic = callTopic(c.opts.Service, c.id)
		expected = c.opts.Responders
	}

	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !d.Void {
		c.rounds.Track(d.ID, expected)
	}

	frame, err := protocol.Marshal(&protocol.Header{
		CodecType: c.opts.Codec,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       d.ID,
	}, d.Envelope)
	if err == nil {
		err = wait(c.mqtt.Publish(topic, c.qos, false, frame), c.opts.ConnectTimeout)
	}
	if err != nil {
		c.rounds.Forget(d.ID)
		return errors.WithMessagef(err, "publish call %d", d.ID)
	}
	return nil
}

// Forget drops the round of call id; late replies are then rejected.
func (c *Client) Forget(id uint32) {
	c.rounds.Forget(id)
}

// onReply runs on the MQTT client's router and must not block.
func (c *Client) onReply(_ paho.Client, msg paho.Message) {
	header, body, err := protocol.Unmarshal(msg.Payload())
	if err != nil {
		log.Debug().Err(err).Str("topic", msg.Topic()).Msg("mqtt: drop malformed frame")
		return
	}
	if header.MsgType != protocol.MsgTypeResponse {
		return
	}

	if err := c.rounds.Ingest(header.Seq, body); err != nil {
		log.Warn().Err(err).Uint32("seq", header.Seq).Msg("mqtt: rejected response")
	}
}

// ConnectionLost fails every call waiting for replies. Later calls fail
// immediately.
func (c *Client) ConnectionLost(cause error) {
	c.connectionLost(cause)
}

func (c *Client) connectionLost(cause error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = errors.Wrapf(transport.ErrConnectionClosed, "mqtt: %v", cause)
	}
	err := c.err
	c.mu.Unlock()

	transport.CancelAll(c.engine, c.rounds.Drain(), err)
}

// Close unsubscribes, disconnects and fails the calls in flight.
func (c *Client) Close() error {
	err := wait(c.mqtt.Unsubscribe(replyTopic(c.opts.Service, c.id)), c.opts.ConnectTimeout)
	c.mqtt.Disconnect(250)
	c.connectionLost(errors.New("closed by client"))
	return err
}
