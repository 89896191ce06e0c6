// Package transport connects the client engine to the outside world.
//
// An Invoker owns a client engine and knows how to get request envelopes to
// one or more servers and their responses back into the engine. The helpers
// in this package drive a call from start to finish on any Invoker:
//
//	Call[R](ctx, inv, "add", 1, 2)
//	  → client.Call (id, envelope, future)
//	  → inv.Deliver (framed write / publish / direct dispatch)
//	  → Await (future vs ctx vs call timeout, Cancel on expiry)
//
// Implementations live in the subpackages: direct, tcp, websocket and mqtt.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"anyrpc/client"
)

var (
	ErrCallTimeout      = errors.New("rpc: call timed out")
	ErrConnectionClosed = errors.New("rpc: connection closed")
	ErrNoAddress        = errors.New("rpc: no address to dial")
)

// Delivery is one prepared call handed to a transport.
type Delivery struct {
	ID       uint32
	Envelope []byte
	// Void calls have no waiter; any reply is dropped.
	Void bool
	// Fanout sends the envelope to every destination and expects one reply
	// from each. Otherwise a single destination is used.
	Fanout bool
}

type Invoker interface {
	// Client returns the engine that owns the invoker's call IDs.
	Client() *client.Client
	// Deliver sends the envelope. Responses are ingested into Client()
	// asynchronously; on a transport failure the transport cancels the call.
	Deliver(ctx context.Context, d Delivery) error
	Options() *DialOptions
}

// Forgetter is implemented by invokers that keep per-call state of their own,
// such as the set of calls in flight on a connection. Calls cancelled by the
// helpers in this package are forgotten there as well.
type Forgetter interface {
	Forget(id uint32)
}

// cancel fails call id on the engine and drops the invoker's state for it.
func cancel(inv Invoker, id uint32, err error) {
	inv.Client().Cancel(id, err)
	if f, ok := inv.(Forgetter); ok {
		f.Forget(id)
	}
}

// Start issues a single-response call and returns without waiting.
func Start[R any](ctx context.Context, inv Invoker, functionID string, args ...any) (*client.Future[R], uint32, error) {
	fut, envelope, id, err := client.Call[R](inv.Client(), functionID, args...)
	if err != nil {
		return nil, id, err
	}

	d := Delivery{ID: id, Envelope: envelope, Void: client.IsVoid[R]()}
	if err := inv.Deliver(ctx, d); err != nil {
		cancel(inv, id, err)
		return nil, id, err
	}
	return fut, id, nil
}

// StartMulti issues a fan-out call and returns without waiting.
func StartMulti[R any](ctx context.Context, inv Invoker, functionID string, args ...any) (*client.Future[[]R], uint32, error) {
	fut, envelope, id, err := client.MultiCall[R](inv.Client(), functionID, args...)
	if err != nil {
		return nil, id, err
	}

	d := Delivery{ID: id, Envelope: envelope, Void: client.IsVoid[R](), Fanout: true}
	if err := inv.Deliver(ctx, d); err != nil {
		cancel(inv, id, err)
		return nil, id, err
	}
	return fut, id, nil
}

// Call invokes functionID and waits for its result.
func Call[R any](ctx context.Context, inv Invoker, functionID string, args ...any) (R, error) {
	fut, id, err := Start[R](ctx, inv, functionID, args...)
	if err != nil {
		var zero R
		return zero, err
	}
	return Await(ctx, inv, id, fut)
}

// MultiCall invokes functionID on every destination of inv and waits for all
// results.
func MultiCall[R any](ctx context.Context, inv Invoker, functionID string, args ...any) ([]R, error) {
	fut, id, err := StartMulti[R](ctx, inv, functionID, args...)
	if err != nil {
		return nil, err
	}
	return Await(ctx, inv, id, fut)
}

// Await waits for fut, the future of call id. If ctx ends or the call timeout
// of inv elapses first, the call is cancelled. A response that races the
// cancellation may still win; whichever resolved the future is returned.
func Await[T any](ctx context.Context, inv Invoker, id uint32, fut *client.Future[T]) (T, error) {
	if fut.Ready() {
		return fut.Get()
	}

	var timeout <-chan time.Time
	opts := inv.Options()
	if opts.CallTimeout > 0 {
		timer := opts.Clock.Timer(opts.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-fut.Done():
	case <-ctx.Done():
		cancel(inv, id, ctx.Err())
	case <-timeout:
		cancel(inv, id, errors.Wrapf(ErrCallTimeout, "call %d after %s", id, opts.CallTimeout))
	}
	return fut.Get()
}

// CancelAll fails every listed call with err, typically after the connection
// carrying them broke.
func CancelAll(c *client.Client, ids []uint32, err error) {
	for _, id := range ids {
		c.Cancel(id, err)
	}
}
