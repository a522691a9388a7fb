// Package middleware provides the server-side dispatch chain. Each
// middleware wraps the next handler, onion style, and may short-circuit by
// returning an error envelope without calling through.
package middleware

import (
	"context"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/message"
)

// Request carries one decoded request envelope through the chain together
// with per-request wire context the envelope itself does not know about.
type Request struct {
	Env        *message.Envelope
	Codec      codec.Codec
	Seq        uint32
	RemoteAddr string
}

type HandlerFunc func(ctx context.Context, req *Request) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(h) runs A around B
// around C around h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
