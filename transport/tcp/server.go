package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/codec"
	"anyrpc/message"
	"anyrpc/protocol"
	"anyrpc/registry"
	"anyrpc/server"
)

type serverOptions struct {
	registry      registry.Registry
	service       string
	advertiseAddr string // address published in the registry, must be routable
	ttl           int64
	weight        int
	version       string
	mux           bool
}

type ServerOption func(*serverOptions)

// WithRegistry publishes the server under service at advertiseAddr while it
// serves. advertiseAddr differs from the listen address because ":8080" is
// not reachable from other hosts.
func WithRegistry(reg registry.Registry, service, advertiseAddr string) ServerOption {
	return func(o *serverOptions) {
		o.registry = reg
		o.service = service
		o.advertiseAddr = advertiseAddr
	}
}

// WithTTL sets the registration lease in seconds.
func WithTTL(ttl int64) ServerOption {
	return func(o *serverOptions) {
		o.ttl = ttl
	}
}

// WithWeight sets the weight published for weighted balancing.
func WithWeight(weight int) ServerOption {
	return func(o *serverOptions) {
		o.weight = weight
	}
}

// WithVersion sets the version published in the registry.
func WithVersion(version string) ServerOption {
	return func(o *serverOptions) {
		o.version = version
	}
}

// WithMux expects every connection to carry yamux streams, as opened by a
// Session, and serves each stream as a connection.
func WithMux() ServerOption {
	return func(o *serverOptions) {
		o.mux = true
	}
}

// Server accepts connections and feeds their request frames to a dispatch
// engine.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → engine.Dispatch → write response frame under the connection's write lock
type Server struct {
	engine *server.Server
	opts   serverOptions

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown atomic.Bool    // set before the listener is closed so Accept errors are expected

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(engine *server.Server, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		opts:   serverOptions{ttl: 10, weight: 1},
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	return s.ServeListener(listener)
}

// ServeListener serves connections accepted from listener until Shutdown.
func (s *Server) ServeListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.opts.registry != nil {
		instance := registry.Instance{Addr: s.opts.advertiseAddr, Weight: s.opts.weight, Version: s.opts.version}
		if err := s.opts.registry.Register(context.Background(), s.opts.service, instance, s.opts.ttl); err != nil {
			_ = listener.Close()
			return errors.WithMessagef(err, "register %s", s.opts.service)
		}
	}

	log.Info().Str("addr", listener.Addr().String()).Msg("tcp: serving")
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		if s.opts.mux {
			go s.serveSession(netConn)
		} else {
			go s.handleConn(netConn)
		}
	}
}

// Addr returns the listening address, or nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) trackConn(netConn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.shutdown.Load() {
			return false
		}
		s.conns[netConn] = struct{}{}
	} else {
		delete(s.conns, netConn)
	}
	return true
}

// handleConn reads frames sequentially but runs each request in its own
// goroutine, so a slow handler does not hold up the rest of the connection.
// All of them share the connection's write lock.
func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()
	if !s.trackConn(netConn, true) {
		return
	}
	defer s.trackConn(netConn, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(netConn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				log.Debug().Err(err).Str("remote", netConn.RemoteAddr().String()).Msg("tcp: drop connection")
			}
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		if s.shutdown.Load() {
			return
		}

		s.wg.Add(1)
		go s.handleRequest(ctx, header, body, netConn, writeMu)
	}
}

func (s *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, netConn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	resp := s.respond(ctx, header, body)
	if len(resp) == 0 {
		return
	}

	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	if err := protocol.Encode(netConn, &reply, resp); err != nil {
		log.Debug().Err(err).Uint32("seq", header.Seq).Msg("tcp: write response")
	}
}

func (s *Server) respond(ctx context.Context, header *protocol.Header, body []byte) []byte {
	if header.CodecType != s.engine.Codec().Type() {
		// answer in the caller's codec so it can read the refusal
		c := codec.GetCodec(header.CodecType)
		callID, _, err := message.DecodeRequestPrefix(c, body)
		if err != nil {
			return nil
		}
		resp, err := message.EncodeError(c, callID, "unsupported codec "+header.CodecType.String())
		if err != nil {
			return nil
		}
		return resp
	}

	resp, err := s.engine.Dispatch(ctx, body)
	if err != nil {
		log.Debug().Err(err).Uint32("seq", header.Seq).Msg("tcp: request failed")
		return s.engine.ErrorResponse(body, err)
	}
	return resp
}

// Shutdown stops the server gracefully:
//  1. deregister, so clients stop being sent here
//  2. close the listener
//  3. wait for in-flight requests, until ctx ends
//  4. close the remaining connections
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.opts.registry != nil {
		if err := s.opts.registry.Deregister(ctx, s.opts.service, s.opts.advertiseAddr); err != nil {
			errs = append(errs, err)
		}
	}

	// the flag goes first, otherwise Serve would report the Accept error
	s.mu.Lock()
	s.shutdown.Store(true)
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "waiting for in-flight requests"))
	}

	s.mu.Lock()
	for netConn := range s.conns {
		_ = netConn.Close()
	}
	s.mu.Unlock()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
