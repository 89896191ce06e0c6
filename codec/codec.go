// Package codec implements the self-describing sequence encodings that carry
// anyrpc envelopes.
//
// A codec only knows how to write an ordered list of values and how to split
// an encoded list back into raw elements. Turning a raw element into a Go value
// is deferred to Value.As, where the consumer supplies the target type.
package codec

import (
	"reflect"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

var (
	// ErrTypeMismatch is returned when a decoded element cannot be converted
	// into the requested Go type.
	ErrTypeMismatch = errors.New("codec: type mismatch")
	// ErrNotSequence is returned when the top level of a buffer is not a list.
	ErrNotSequence = errors.New("codec: not a sequence")
)

type Codec interface {
	// Encode writes items as one ordered sequence.
	Encode(items ...any) ([]byte, error)
	// Decode splits a sequence into its raw elements without converting them.
	Decode(data []byte) ([]Value, error)
	Type() CodecType // 0=JSON, 1=Msgpack
}

// elementCodec is the per-element half of a codec, used by Value.
type elementCodec interface {
	unmarshal(raw []byte, v any) error
	isSequence(raw []byte) bool
	isNil(raw []byte) bool
	split(raw []byte) ([][]byte, error)
	customDecoder(t reflect.Type) bool
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &MsgpackCodec{}
}

// Valid reports whether codecType names a codec known to GetCodec.
func Valid(codecType CodecType) bool {
	return codecType == CodecTypeJSON || codecType == CodecTypeMsgpack
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgpack:
		return "msgpack"
	}
	return "unknown"
}

// ParseCodecType maps a codec name to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "msgpack", "":
		return CodecTypeMsgpack, nil
	}
	return 0, errors.Errorf("codec: unknown codec %q", name)
}

func wrapValues(ec elementCodec, raws [][]byte) []Value {
	values := make([]Value, len(raws))
	for i, raw := range raws {
		values[i] = Value{raw: raw, ec: ec}
	}
	return values
}
