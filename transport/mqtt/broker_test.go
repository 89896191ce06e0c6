package mqtt

import (
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// fakeBroker routes publications between fakeClients in memory. Shared
// subscriptions ($share/<group>/<filter>) hand each message to one member of
// the group in turn.
type fakeBroker struct {
	mu     sync.Mutex
	subs   []*subscription
	shared map[string]int // next member per group
}

type subscription struct {
	owner   *fakeClient
	raw     string
	filter  string
	group   string
	handler paho.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{shared: make(map[string]int)}
}

func (b *fakeBroker) subscribe(owner *fakeClient, filter string, handler paho.MessageHandler) {
	sub := &subscription{owner: owner, raw: filter, filter: filter, handler: handler}
	if strings.HasPrefix(filter, "$share/") {
		parts := strings.SplitN(filter, "/", 3)
		sub.group, sub.filter = parts[1], parts[2]
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

func (b *fakeBroker) unsubscribe(owner *fakeClient, filters ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keep := b.subs[:0]
	for _, sub := range b.subs {
		drop := false
		for _, f := range filters {
			if sub.owner == owner && sub.raw == f {
				drop = true
			}
		}
		if !drop {
			keep = append(keep, sub)
		}
	}
	b.subs = keep
}

func (b *fakeBroker) dropClient(owner *fakeClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keep := b.subs[:0]
	for _, sub := range b.subs {
		if sub.owner != owner {
			keep = append(keep, sub)
		}
	}
	b.subs = keep
}

func (b *fakeBroker) publish(topic string, payload []byte) {
	b.mu.Lock()
	var targets []*subscription
	groups := make(map[string][]*subscription)
	var order []string
	for _, sub := range b.subs {
		if !topicMatches(sub.filter, topic) {
			continue
		}
		if sub.group == "" {
			targets = append(targets, sub)
			continue
		}
		if _, ok := groups[sub.group]; !ok {
			order = append(order, sub.group)
		}
		groups[sub.group] = append(groups[sub.group], sub)
	}
	for _, g := range order {
		members := groups[g]
		next := b.shared[g] % len(members)
		b.shared[g] = next + 1
		targets = append(targets, members[next])
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.handler(sub.owner, &fakeMessage{topic: topic, payload: payload})
	}
}

func topicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

type fakeClient struct {
	broker *fakeBroker

	mu        sync.Mutex
	connected bool
}

var _ paho.Client = (*fakeClient)(nil)

func (b *fakeBroker) client() *fakeClient {
	return &fakeClient{broker: b}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.broker.dropClient(c)
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	if !c.IsConnected() {
		return doneToken(errors.New("not connected"))
	}
	data, ok := payload.([]byte)
	if !ok {
		return doneToken(errors.New("unsupported payload"))
	}
	c.broker.publish(topic, data)
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	if !c.IsConnected() {
		return doneToken(errors.New("not connected"))
	}
	c.broker.subscribe(c, topic, callback)
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	if !c.IsConnected() {
		return doneToken(errors.New("not connected"))
	}
	for f := range filters {
		c.broker.subscribe(c, f, callback)
	}
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.broker.unsubscribe(c, topics...)
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.NewOptionsReader(paho.NewClientOptions())
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
