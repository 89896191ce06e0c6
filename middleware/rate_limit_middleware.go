package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rpc: rate limit exceeded")

// RateLimit rejects requests beyond r per second, allowing bursts of burst,
// using a token bucket shared by all connections of the server.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req []byte) ([]byte, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
