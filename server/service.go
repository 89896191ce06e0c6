package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"anyrpc/codec"
	"anyrpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// entry is the type-erased form of one bound handler. Everything the call path
// needs to know about the handler's signature is captured at Bind time.
type entry struct {
	fn      reflect.Value
	withCtx bool           // first parameter is a context.Context
	params  []reflect.Type // serialized parameters
	results []reflect.Type // serialized results, without a trailing error
	withErr bool           // last result is an error
}

// newEntry accepts a func with an optional leading context.Context, any number
// of non-variadic parameters, and one of these result lists:
//
//	()            void
//	(error)       void that may fail
//	(T)           one value
//	(T, error)    one value that may fail
//	(T1, T2, ...) several values, sent as a sequence, optionally followed by error
func newEntry(handler any) (*entry, error) {
	fn := reflect.ValueOf(handler)
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, errors.Errorf("rpc: handler must be a func, got %T", handler)
	}

	typ := fn.Type()
	if typ.IsVariadic() {
		return nil, errors.Errorf("rpc: variadic handler %s is not supported", typ)
	}

	e := &entry{fn: fn}
	first := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		e.withCtx = true
		first = 1
	}
	for i := first; i < typ.NumIn(); i++ {
		e.params = append(e.params, typ.In(i))
	}

	n := typ.NumOut()
	if n > 0 && typ.Out(n-1) == errorType {
		e.withErr = true
		n--
	}
	for i := 0; i < n; i++ {
		if typ.Out(i) == errorType {
			return nil, errors.Errorf("rpc: handler %s may only return error last", typ)
		}
		e.results = append(e.results, typ.Out(i))
	}
	return e, nil
}

func (e *entry) void() bool {
	return len(e.results) == 0
}

// decodeArgs converts the wire arguments into values of the handler's
// parameter types. The count must match exactly. Both a wrong count and an
// unconvertible argument are malformed requests; the conversion failure is
// kept as text.
func (e *entry) decodeArgs(raw []codec.Value) ([]reflect.Value, error) {
	if len(raw) != len(e.params) {
		return nil, errors.Wrapf(message.ErrMalformedEnvelope, "got %d arguments, want %d", len(raw), len(e.params))
	}

	args := make([]reflect.Value, len(raw))
	for i, t := range e.params {
		ptr := reflect.New(t)
		if err := raw[i].As(ptr.Interface()); err != nil {
			return nil, errors.Wrapf(message.ErrMalformedEnvelope, "argument %d: %v", i, err)
		}
		args[i] = ptr.Elem()
	}
	return args, nil
}

// invoke calls the handler. A returned error or a panic comes back as a
// HandlerError without function and call ID; the caller fills those in.
func (e *entry) invoke(ctx context.Context, args []reflect.Value) (result any, herr *message.HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = errors.Errorf("%v", r)
			}
			result, herr = nil, &message.HandlerError{Panic: true, Err: err}
		}
	}()

	if e.withCtx {
		args = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, args...)
	}
	out := e.fn.Call(args)

	if e.withErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, &message.HandlerError{Err: errv.Interface().(error)}
		}
		out = out[:len(out)-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		seq := make([]any, len(out))
		for i, v := range out {
			seq[i] = v.Interface()
		}
		return seq, nil
	}
}

// service binds the exported methods of a receiver as "Type.Method".
type service struct {
	name string
	rcvr reflect.Value
	typ  reflect.Type
}

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, errors.Errorf("rpc: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	return &service{
		name: typ.Elem().Name(),
		rcvr: reflect.ValueOf(rcvr),
		typ:  typ,
	}, nil
}

// entries builds one entry per exported method whose signature is bindable.
func (s *service) entries() map[string]*entry {
	out := make(map[string]*entry)
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		e, err := newEntry(s.rcvr.Method(i).Interface())
		if err != nil {
			continue
		}
		out[s.name+"."+method.Name] = e
	}
	return out
}

// RegisterService binds every exported method of rcvr, a pointer to a struct,
// under "TypeName.MethodName". Methods with unsupported signatures are
// skipped.
func (s *Server) RegisterService(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}

	entries := svc.entries()
	if len(entries) == 0 {
		return errors.Errorf("rpc: type %s has no bindable methods", svc.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range entries {
		s.entries[id] = e
	}
	return nil
}
