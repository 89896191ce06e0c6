// Package server implements the dispatch engine: a table of named handlers
// that turns request envelopes into response envelopes.
//
// Request processing pipeline:
//
//	Dispatch(buf) → Middleware Chain → HandleCall
//	  → decode [callID, functionID, args...] → lookup entry
//	  → decode args with the handler's types → reflect.Call → encode [callID, result]
//
// The engine owns no sockets. Network transports in anyrpc/transport feed it
// bytes and write back whatever it returns; an empty reply means there is
// nothing to send.
package server

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/codec"
	"anyrpc/message"
	"anyrpc/middleware"
)

// FaultPolicy decides what happens when a handler returns an error or panics.
type FaultPolicy int

const (
	// FaultReply answers non-void calls with an error envelope. Faults of
	// void handlers are logged and produce no reply.
	FaultReply FaultPolicy = iota
	// FaultPropagate returns a *message.HandlerError from HandleCall and
	// leaves the reply to the caller.
	FaultPropagate
)

// Option configures a Server.
type Option func(*Server)

// WithCodec sets the envelope codec. The default is MessagePack.
func WithCodec(codecType codec.CodecType) Option {
	return func(s *Server) {
		s.codec = codec.GetCodec(codecType)
	}
}

// WithFaultPolicy sets how handler faults are reported.
func WithFaultPolicy(policy FaultPolicy) Option {
	return func(s *Server) {
		s.faults = policy
	}
}

// Server is the dispatch engine. It is safe for concurrent use.
type Server struct {
	codec  codec.Codec
	faults FaultPolicy

	mu          sync.RWMutex
	entries     map[string]*entry       // functionID → dispatch entry
	middlewares []middleware.Middleware // applied in the order they were added
	handler     middleware.HandlerFunc  // middleware(middleware(...(HandleCall)))
}

// NewServer creates a server with an empty dispatch table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		codec:   codec.GetCodec(codec.CodecTypeMsgpack),
		faults:  FaultReply,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.HandleCall
	return s
}

// Codec returns the envelope codec of the server.
func (s *Server) Codec() codec.Codec {
	return s.codec
}

// Bind registers handler under functionID, replacing any previous binding.
// The handler signature is inspected once here; see newEntry for the accepted
// shapes.
func (s *Server) Bind(functionID string, handler any) error {
	e, err := newEntry(handler)
	if err != nil {
		return errors.WithMessagef(err, "bind %q", functionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[functionID] = e
	return nil
}

// Unbind removes the binding of functionID, if any.
func (s *Server) Unbind(functionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, functionID)
}

// Functions returns the bound function IDs.
func (s *Server) Functions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Use appends middlewares to the chain run by Dispatch.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.middlewares = append(s.middlewares, mws...)
	// Chain(A, B)(h) → A(B(h)): A sees the request first
	s.handler = middleware.Chain(s.middlewares...)(s.HandleCall)
}

// Dispatch runs buf through the middleware chain and HandleCall.
func (s *Server) Dispatch(ctx context.Context, buf []byte) ([]byte, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()

	return h(ctx, buf)
}

// HandleCall decodes one request envelope, runs the bound handler and returns
// the response envelope. Void handlers produce an empty reply.
//
// Errors are returned for malformed envelopes, unknown functions, arguments
// that do not match the handler, and (under FaultPropagate) handler faults.
func (s *Server) HandleCall(ctx context.Context, buf []byte) ([]byte, error) {
	req, err := message.DecodeRequest(s.codec, buf)
	if err != nil {
		return nil, err
	}

	// the entry is immutable once built, so it runs outside the lock
	s.mu.RLock()
	e, ok := s.entries[req.FunctionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(message.ErrUnregisteredFunction, "function %q", req.FunctionID)
	}

	args, err := e.decodeArgs(req.Args)
	if err != nil {
		return nil, errors.WithMessagef(err, "call %d to %q", req.CallID, req.FunctionID)
	}

	result, herr := e.invoke(ctx, args)
	if herr != nil {
		herr.FunctionID = req.FunctionID
		herr.CallID = req.CallID
		return s.fault(e, herr)
	}

	if e.void() {
		return message.EncodeVoid(), nil
	}
	return message.EncodeResponse(s.codec, req.CallID, result)
}

func (s *Server) fault(e *entry, herr *message.HandlerError) ([]byte, error) {
	if s.faults == FaultPropagate {
		return nil, herr
	}

	if e.void() {
		log.Warn().
			Str("function", herr.FunctionID).
			Uint32("call_id", herr.CallID).
			Bool("panic", herr.Panic).
			Err(herr.Err).
			Msg("void handler failed")
		return message.EncodeVoid(), nil
	}
	return message.EncodeError(s.codec, herr.CallID, herr.Error())
}

// ErrorResponse builds an error envelope answering buf with err. It returns
// nil when buf does not carry a decodable call ID, in which case nobody can be
// answered.
func (s *Server) ErrorResponse(buf []byte, err error) []byte {
	callID, _, perr := message.DecodeRequestPrefix(s.codec, buf)
	if perr != nil {
		return nil
	}

	data, eerr := message.EncodeError(s.codec, callID, err.Error())
	if eerr != nil {
		log.Error().Err(eerr).Uint32("call_id", callID).Msg("encode error response")
		return nil
	}
	return data
}
