package message

import (
	"fmt"

	"github.com/pkg/errors"

	"anyrpc/codec"
)

var (
	// ErrMalformedEnvelope means a buffer does not have the structural shape of
	// the envelope being decoded.
	ErrMalformedEnvelope = errors.New("rpc: malformed envelope")
	// ErrUnexpectedCallID means a response names a call ID with no waiter:
	// already resolved, cancelled, or never issued by this client.
	ErrUnexpectedCallID = errors.New("rpc: unexpected call id")
	// ErrUnregisteredFunction means a request names a function with no binding.
	ErrUnregisteredFunction = errors.New("rpc: unregistered function")
	// ErrTypeMismatch is re-exported from codec for callers that only import
	// message.
	ErrTypeMismatch = codec.ErrTypeMismatch
)

// HandlerError is a failure raised by a bound handler, either as a returned
// error or as a recovered panic.
type HandlerError struct {
	FunctionID string
	CallID     uint32
	Panic      bool
	Err        error
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("rpc: handler %q panicked: %v", e.FunctionID, e.Err)
	}
	return fmt.Sprintf("rpc: handler %q failed: %v", e.FunctionID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RemoteError is a fault reported by the peer through an error envelope.
type RemoteError struct {
	CallID  uint32
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}
