package client

import (
	"context"
	"sync"
)

// Future is the completion handle of one call. It is resolved at most once,
// either with a value or with an error.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve stores the outcome and reports whether this call won.
func (f *Future[T]) resolve(val T, err error) bool {
	won := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is resolved, without blocking.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future is resolved.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Wait blocks until the future is resolved or ctx is done. A ctx expiry does
// not cancel the call; use Client.Cancel for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
