// Package tcp carries framed envelopes over TCP connections.
//
// Many calls are multiplexed over one connection. Each request frame carries
// the call ID in its Seq field and the server echoes it, so a single receive
// goroutine can route every response to the right call:
//
//	goroutine-1 ──Call(id=7)──┐
//	goroutine-2 ──Call(id=8)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(id=9)──┘
//
//	recvLoop:  ←── response(seq=8) → engine.Ingest → goroutine-2 wakes up
package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/codec"
	"anyrpc/protocol"
	"anyrpc/transport"
)

// conn is one multiplexed client connection. It remembers which calls are in
// flight on it so they can be cancelled when it breaks.
type conn struct {
	netConn net.Conn
	codec   codec.CodecType

	// writes of concurrent calls must not interleave, or the header of one
	// frame ends up followed by the body of another
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[uint32]struct{}
	err      error // set once the connection is broken

	onResponse func(seq uint32, body []byte)
	onClose    func(ids []uint32, err error)
	done       chan struct{}
}

func newConn(netConn net.Conn, codecType codec.CodecType) *conn {
	return &conn{
		netConn:  netConn,
		codec:    codecType,
		inflight: make(map[uint32]struct{}),
		done:     make(chan struct{}),
	}
}

// start launches the receive loop and, if interval is positive, the
// heartbeat loop. The callbacks must be set before.
func (c *conn) start(clk clock.Clock, interval time.Duration) {
	go c.recvLoop()
	if interval > 0 {
		go c.heartbeatLoop(clk, interval)
	}
}

// send writes one request frame. Unless the call is void, its ID is tracked
// until the response arrives or the connection breaks.
func (c *conn) send(d transport.Delivery) error {
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

	header := protocol.Header{
		CodecType: c.codec,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       d.ID,
	}

	c.writeMu.Lock()
	err := protocol.Encode(c.netConn, &header, d.Envelope)
	c.writeMu.Unlock()

	if err != nil {
		c.untrack(d.ID)
		return errors.Wrapf(transport.ErrConnectionClosed, "send call %d to %s: %v", d.ID, c.netConn.RemoteAddr(), err)
	}
	return nil
}

func (c *conn) untrack(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, id)
}

// recvLoop is the only reader of the connection; frame boundaries can only
// be parsed by reading sequentially.
func (c *conn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.netConn)
		if err != nil {
			c.fail(err)
			return
		}

		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		c.untrack(header.Seq)
		c.onResponse(header.Seq, body)
	}
}

// heartbeatLoop keeps idle connections from being dropped by peers and
// middleboxes, and notices dead ones on the write side.
func (c *conn) heartbeatLoop(clk clock.Clock, interval time.Duration) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{CodecType: c.codec, MsgType: protocol.MsgTypeHeartbeat}
		c.writeMu.Lock()
		err := protocol.Encode(c.netConn, header, nil)
		c.writeMu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// fail marks the connection broken, closes it and cancels its calls. Only
// the first failure counts.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = errors.Wrapf(transport.ErrConnectionClosed, "%s: %v", c.netConn.RemoteAddr(), cause)
	ids := make([]uint32, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	c.inflight = make(map[uint32]struct{})
	err := c.err
	c.mu.Unlock()

	close(c.done)
	_ = c.netConn.Close()

	log.Debug().Err(err).Int("inflight", len(ids)).Msg("tcp: connection closed")
	c.onClose(ids, err)
}

func (c *conn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err == nil
}

func (c *conn) close() error {
	c.fail(errors.New("closed by client"))
	return nil
}
