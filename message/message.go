// Package message defines the envelopes exchanged between the client and the
// server engines.
//
// Every envelope is one codec sequence:
//
//	request:  [callID, functionID, arg0, arg1, ...]
//	response: [callID, value]
//	error:    [callID, nil, message]
//
// A handler without a return value produces no response at all; transports
// carry that as a zero-length buffer.
package message

import (
	"github.com/pkg/errors"

	"anyrpc/codec"
)

// Request is a decoded request envelope. Args stay undecoded until the
// dispatch entry converts them to the handler's parameter types.
type Request struct {
	CallID     uint32
	FunctionID string
	Args       []codec.Value
}

// Response is a decoded response envelope. Exactly one of Value or Err is
// meaningful.
type Response struct {
	CallID uint32
	Value  codec.Value
	Err    error
}

// EncodeRequest builds a request envelope.
func EncodeRequest(c codec.Codec, callID uint32, functionID string, args ...any) ([]byte, error) {
	items := make([]any, 0, len(args)+2)
	items = append(items, callID, functionID)
	items = append(items, args...)

	data, err := c.Encode(items...)
	if err != nil {
		return nil, errors.Wrapf(err, "encode request %q", functionID)
	}
	return data, nil
}

// DecodeRequestPrefix decodes only the (callID, functionID) head of a request.
func DecodeRequestPrefix(c codec.Codec, data []byte) (uint32, string, error) {
	req, err := DecodeRequest(c, data)
	if err != nil {
		return 0, "", err
	}
	return req.CallID, req.FunctionID, nil
}

// DecodeRequest splits a request envelope into its head and raw arguments.
func DecodeRequest(c codec.Codec, data []byte) (*Request, error) {
	items, err := c.Decode(data)
	if err != nil {
		return nil, malformed(err, "request")
	}
	if len(items) < 2 {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "request has %d fields, want at least 2", len(items))
	}

	req := &Request{Args: items[2:]}
	if err := items[0].As(&req.CallID); err != nil {
		return nil, malformed(err, "request call id")
	}
	if err := items[1].As(&req.FunctionID); err != nil {
		return nil, malformed(err, "request function id")
	}
	return req, nil
}

// EncodeResponse builds a response envelope carrying value.
func EncodeResponse(c codec.Codec, callID uint32, value any) ([]byte, error) {
	data, err := c.Encode(callID, value)
	if err != nil {
		return nil, errors.Wrapf(err, "encode response %d", callID)
	}
	return data, nil
}

// EncodeVoid is the response of a handler without a return value.
func EncodeVoid() []byte {
	return []byte{}
}

// EncodeError builds an error envelope reporting a failed call.
func EncodeError(c codec.Codec, callID uint32, message string) ([]byte, error) {
	data, err := c.Encode(callID, nil, message)
	if err != nil {
		return nil, errors.Wrapf(err, "encode error response %d", callID)
	}
	return data, nil
}

// DecodeResponse decodes a response or error envelope. Any other shape is
// malformed.
func DecodeResponse(c codec.Codec, data []byte) (*Response, error) {
	items, err := c.Decode(data)
	if err != nil {
		return nil, malformed(err, "response")
	}
	if len(items) != 2 && len(items) != 3 {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "response has %d fields, want 2", len(items))
	}

	resp := &Response{}
	if err := items[0].As(&resp.CallID); err != nil {
		return nil, malformed(err, "response call id")
	}

	if len(items) == 2 {
		resp.Value = items[1]
		return resp, nil
	}

	var text string
	if !items[1].IsNil() {
		return nil, errors.Wrap(ErrMalformedEnvelope, "error response carries a value")
	}
	if err := items[2].As(&text); err != nil {
		return nil, malformed(err, "error response message")
	}
	resp.Err = &RemoteError{CallID: resp.CallID, Message: text}
	return resp, nil
}

func malformed(cause error, what string) error {
	return errors.Wrapf(ErrMalformedEnvelope, "%s: %v", what, cause)
}
