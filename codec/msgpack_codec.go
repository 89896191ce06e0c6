package codec

import (
	"bytes"
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MsgpackCodec encodes sequences as MessagePack arrays. It is the default
// envelope codec: compact, binary and self-describing.
type MsgpackCodec struct{}

var (
	msgpackDecoderType     = reflect.TypeOf((*msgpack.CustomDecoder)(nil)).Elem()
	msgpackUnmarshalerType = reflect.TypeOf((*msgpack.Unmarshaler)(nil)).Elem()
)

func (c *MsgpackCodec) Encode(items ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(len(items)); err != nil {
		return nil, err
	}
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, errors.Wrapf(err, "msgpack: encode item %d", i)
		}
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte) ([]Value, error) {
	raws, err := c.split(data)
	if err != nil {
		return nil, err
	}
	return wrapValues(c, raws), nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}

func (c *MsgpackCodec) unmarshal(raw []byte, v any) error {
	return msgpack.Unmarshal(raw, v)
}

func (c *MsgpackCodec) isSequence(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	code := raw[0]
	return msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32
}

func (c *MsgpackCodec) isNil(raw []byte) bool {
	return len(raw) == 1 && raw[0] == msgpcode.Nil
}

func (c *MsgpackCodec) split(raw []byte) ([][]byte, error) {
	if !c.isSequence(raw) {
		return nil, ErrNotSequence
	}

	r := bytes.NewReader(raw)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, errors.Wrap(err, "msgpack: array header")
	}

	items := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		item, err := dec.DecodeRaw()
		if err != nil {
			return nil, errors.Wrapf(err, "msgpack: item %d", i)
		}
		items = append(items, item)
	}

	if r.Len() != 0 {
		return nil, errors.Errorf("msgpack: %d trailing bytes after sequence", r.Len())
	}
	return items, nil
}

func (c *MsgpackCodec) customDecoder(t reflect.Type) bool {
	pt := reflect.PointerTo(t)
	return pt.Implements(msgpackDecoderType) || pt.Implements(msgpackUnmarshalerType)
}
