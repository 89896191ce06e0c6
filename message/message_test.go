package message

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anyrpc/codec"
)

func codecs() []codec.Codec {
	return []codec.Codec{codec.GetCodec(codec.CodecTypeMsgpack), codec.GetCodec(codec.CodecTypeJSON)}
}

func TestRequestRoundTrip(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			is := require.New(t)

			data, err := EncodeRequest(c, 42, "add", 90, 21)
			is.NoError(err)

			id, fn, err := DecodeRequestPrefix(c, data)
			is.NoError(err)
			is.Equal(uint32(42), id)
			is.Equal("add", fn)

			req, err := DecodeRequest(c, data)
			is.NoError(err)
			is.Len(req.Args, 2)

			var a, b int
			is.NoError(req.Args[0].As(&a))
			is.NoError(req.Args[1].As(&b))
			is.Equal(90, a)
			is.Equal(21, b)
		})
	}
}

func TestRequestWithoutArgs(t *testing.T) {
	for _, c := range codecs() {
		data, err := EncodeRequest(c, 1, "zero")
		require.NoError(t, err)

		req, err := DecodeRequest(c, data)
		require.NoError(t, err)
		assert.Empty(t, req.Args)
	}
}

func TestRequestMalformed(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			short, err := c.Encode(uint32(1))
			require.NoError(t, err)
			_, err = DecodeRequest(c, short)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))

			badID, err := c.Encode("one", "add")
			require.NoError(t, err)
			_, err = DecodeRequest(c, badID)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))

			_, err = DecodeRequest(c, []byte{})
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			data, err := EncodeResponse(c, 9, 111.0)
			require.NoError(t, err)

			resp, err := DecodeResponse(c, data)
			require.NoError(t, err)
			assert.Equal(t, uint32(9), resp.CallID)
			assert.NoError(t, resp.Err)

			var v float64
			require.NoError(t, resp.Value.As(&v))
			assert.Equal(t, 111.0, v)
		})
	}
}

func TestErrorResponse(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			data, err := EncodeError(c, 3, "boom")
			require.NoError(t, err)

			resp, err := DecodeResponse(c, data)
			require.NoError(t, err)
			assert.Equal(t, uint32(3), resp.CallID)

			var remote *RemoteError
			require.True(t, errors.As(resp.Err, &remote))
			assert.Equal(t, "boom", remote.Message)
			assert.Equal(t, uint32(3), remote.CallID)
		})
	}
}

func TestResponseMalformed(t *testing.T) {
	for _, c := range codecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			one, err := c.Encode(uint32(1))
			require.NoError(t, err)
			_, err = DecodeResponse(c, one)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))

			four, err := c.Encode(uint32(1), 2, 3, 4)
			require.NoError(t, err)
			_, err = DecodeResponse(c, four)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))

			valueAndText, err := c.Encode(uint32(1), 2, "text")
			require.NoError(t, err)
			_, err = DecodeResponse(c, valueAndText)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))

			_, err = DecodeResponse(c, EncodeVoid())
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		})
	}
}

func TestHandlerErrorUnwrap(t *testing.T) {
	cause := errors.New("division by zero")
	err := &HandlerError{FunctionID: "div", Err: cause}

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "div")

	panicked := &HandlerError{FunctionID: "div", Panic: true, Err: cause}
	assert.Contains(t, panicked.Error(), "panicked")
}
