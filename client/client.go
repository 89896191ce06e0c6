// Package client implements the call-correlation engine.
//
// The engine never touches the network. Call and MultiCall produce a request
// envelope and a Future; a transport ships the envelope, and whatever comes
// back is handed to Ingest, which routes it to the waiting Future by call ID:
//
//	Call(add)  ──id=7──┐                       ┌── Ingest([7, 111]) → waiter 7
//	Call(sub)  ──id=8──┼── transport ── peer ──┤
//	                   │                       └── Ingest([8, 111]) → waiter 8
//
// Waiters are kept in one table guarded by a mutex. Fulfillment callbacks are
// always run after the mutex is released, so code chained on a Future may call
// back into the engine.
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"anyrpc/codec"
	"anyrpc/message"
)

// Void is the result type of calls to functions without a return value. Such
// calls complete as soon as they are prepared and never register a waiter.
type Void struct{}

// fulfillFunc delivers one response (or a cancellation error) to a waiter.
type fulfillFunc func(value codec.Value, last bool, err error)

type waiter struct {
	fulfill fulfillFunc
	multi   bool
}

// Client is the call-correlation engine. The zero value is not usable; create
// one with NewClient.
type Client struct {
	codec   codec.Codec
	nextID  atomic.Uint32
	mu      sync.Mutex
	waiters map[uint32]*waiter
}

// NewClient creates an engine encoding with the given codec. The call-ID
// counter is seeded from the wall clock so that a restarted client is unlikely
// to reuse IDs still in flight at its peers.
func NewClient(codecType codec.CodecType) *Client {
	c := &Client{
		codec:   codec.GetCodec(codecType),
		waiters: make(map[uint32]*waiter),
	}
	c.nextID.Store(uint32(time.Now().Unix()))
	return c
}

// Codec returns the envelope codec of the engine.
func (c *Client) Codec() codec.Codec {
	return c.codec
}

// nextCallID hands out IDs in strictly increasing order; after 2^32 calls the
// counter wraps around and old IDs are reused.
func (c *Client) nextCallID() uint32 {
	return c.nextID.Add(1) - 1
}

// IsVoid reports whether R is the Void result type.
func IsVoid[R any]() bool {
	var zero R
	_, ok := any(zero).(Void)
	return ok
}

// Call prepares a single-response call of functionID. It returns the Future of
// the result, the request envelope to deliver and the assigned call ID.
func Call[R any](c *Client, functionID string, args ...any) (*Future[R], []byte, uint32, error) {
	id := c.nextCallID()
	data, err := message.EncodeRequest(c.codec, id, functionID, args...)
	if err != nil {
		return nil, nil, id, err
	}

	fut := newFuture[R]()
	if IsVoid[R]() {
		var zero R
		fut.resolve(zero, nil)
		return fut, data, id, nil
	}

	c.register(id, &waiter{
		fulfill: func(value codec.Value, _ bool, err error) {
			var result R
			if err == nil {
				err = value.As(&result)
			}
			fut.resolve(result, err)
		},
	})
	return fut, data, id, nil
}

// MultiCall prepares a call expecting several responses, one per destination
// the transport fans the envelope out to. The Future resolves with all results
// in arrival order once the response marked last is ingested.
func MultiCall[R any](c *Client, functionID string, args ...any) (*Future[[]R], []byte, uint32, error) {
	id := c.nextCallID()
	data, err := message.EncodeRequest(c.codec, id, functionID, args...)
	if err != nil {
		return nil, nil, id, err
	}

	fut := newFuture[[]R]()
	if IsVoid[R]() {
		fut.resolve(nil, nil)
		return fut, data, id, nil
	}

	// parts may be ingested concurrently from different connections
	var mu sync.Mutex
	results := make([]R, 0)

	c.register(id, &waiter{
		multi: true,
		fulfill: func(value codec.Value, last bool, err error) {
			if err != nil {
				fut.resolve(nil, err)
				return
			}

			var result R
			if err := value.As(&result); err != nil {
				fut.resolve(nil, err)
				return
			}

			mu.Lock()
			results = append(results, result)
			var final []R
			if last {
				final = results
			}
			mu.Unlock()

			if last {
				fut.resolve(final, nil)
			}
		},
	})
	return fut, data, id, nil
}

func (c *Client) register(id uint32, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiters[id] = w
}

// Cancel fails the pending call callID with err. It reports whether a waiter
// was found; cancelling an unknown or already resolved call is a no-op.
func (c *Client) Cancel(callID uint32, err error) bool {
	if err == nil {
		err = errors.New("rpc: call cancelled")
	}

	c.mu.Lock()
	w, ok := c.waiters[callID]
	if ok {
		delete(c.waiters, callID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	w.fulfill(codec.Value{}, true, err)
	return true
}

// Ingest delivers a final response envelope.
func (c *Client) Ingest(data []byte) error {
	return c.IngestPart(data, true)
}

// IngestPart delivers one response envelope. For multi calls, last marks the
// final response of the round; single calls are resolved by any response.
func (c *Client) IngestPart(data []byte, last bool) error {
	resp, err := message.DecodeResponse(c.codec, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	w, ok := c.waiters[resp.CallID]
	if ok && (!w.multi || last) {
		delete(c.waiters, resp.CallID)
	}
	c.mu.Unlock()

	if !ok {
		return errors.Wrapf(message.ErrUnexpectedCallID, "call id %d", resp.CallID)
	}

	// A failed multi call stays registered until its last response so the
	// remaining parts of the round are absorbed silently.
	w.fulfill(resp.Value, last, resp.Err)
	return nil
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.waiters)
}
