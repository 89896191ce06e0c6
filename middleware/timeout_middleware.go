package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrTimeout = errors.New("rpc: request timed out")

type result struct {
	resp []byte
	err  error
}

// Timeout fails requests that take longer than timeout. The handler keeps
// running in the background with a cancelled context; its result is dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp: resp, err: err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, errors.Wrapf(ErrTimeout, "after %s", timeout)
			}
		}
	}
}
