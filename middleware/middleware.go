// Package middleware wraps request dispatch. A middleware sees the raw request
// envelope on the way in and the response envelope (or error) on the way out.
package middleware

import (
	"context"
)

// HandlerFunc turns one request envelope into a response envelope. An empty
// response means there is nothing to send back.
type HandlerFunc func(ctx context.Context, req []byte) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first one given is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
