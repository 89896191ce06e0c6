package codec

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: numbers lose their integer/float distinction, larger payload.
type JSONCodec struct{}

var jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()

func (c *JSONCodec) Encode(items ...any) ([]byte, error) {
	if items == nil {
		items = []any{}
	}
	return json.Marshal(items)
}

func (c *JSONCodec) Decode(data []byte) ([]Value, error) {
	raws, err := c.split(data)
	if err != nil {
		return nil, err
	}
	return wrapValues(c, raws), nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func (c *JSONCodec) unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func (c *JSONCodec) isSequence(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func (c *JSONCodec) isNil(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (c *JSONCodec) split(raw []byte) ([][]byte, error) {
	if !c.isSequence(raw) {
		return nil, ErrNotSequence
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}

	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out, nil
}

func (c *JSONCodec) customDecoder(t reflect.Type) bool {
	return reflect.PointerTo(t).Implements(jsonUnmarshalerType)
}
