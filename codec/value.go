package codec

import (
	"reflect"

	"github.com/pkg/errors"
)

// Value is one undecoded element of a sequence. It stays in wire form until a
// consumer that knows the target type calls As.
type Value struct {
	raw []byte
	ec  elementCodec
}

// Raw returns the element's encoded bytes.
func (v Value) Raw() []byte {
	return v.raw
}

// IsNil reports whether the element encodes a nil/null value.
func (v Value) IsNil() bool {
	return v.ec != nil && v.ec.isNil(v.raw)
}

// As converts the element into target, which must be a non-nil pointer.
//
// A sequence decoded into a struct fills the struct's exported fields by
// position, so multi-value results can be received as plain structs.
func (v Value) As(target any) error {
	rv := reflect.ValueOf(target)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Wrapf(ErrTypeMismatch, "decode target %T is not a non-nil pointer", target)
	}
	if v.ec == nil {
		return errors.Wrap(ErrTypeMismatch, "decode from an empty value")
	}

	elem := rv.Elem()
	if elem.Kind() == reflect.Struct && v.ec.isSequence(v.raw) && !v.ec.customDecoder(elem.Type()) {
		return v.asTuple(elem)
	}

	if err := v.ec.unmarshal(v.raw, target); err != nil {
		return errors.Wrapf(ErrTypeMismatch, "decode into %T: %v", target, err)
	}
	return nil
}

func (v Value) asTuple(elem reflect.Value) error {
	items, err := v.ec.split(v.raw)
	if err != nil {
		return errors.Wrapf(ErrTypeMismatch, "decode into %s: %v", elem.Type(), err)
	}

	fields := tupleFields(elem.Type())
	if len(items) != len(fields) {
		return errors.Wrapf(ErrTypeMismatch, "decode into %s: got %d elements, want %d",
			elem.Type(), len(items), len(fields))
	}

	for i, idx := range fields {
		item := Value{raw: items[i], ec: v.ec}
		if err := item.As(elem.Field(idx).Addr().Interface()); err != nil {
			return errors.WithMessagef(err, "field %s", elem.Type().Field(idx).Name)
		}
	}
	return nil
}

func tupleFields(t reflect.Type) []int {
	fields := make([]int, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("msgpack") == "-" || f.Tag.Get("json") == "-" {
			continue
		}
		fields = append(fields, i)
	}
	return fields
}
