package middleware

import (
	"context"
	"time"

	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/message"
)

// Timeout bounds handler execution server-side. The handler keeps the
// cancelled context, so cooperative handlers can stop early; either way the
// caller gets a timeout error envelope once the budget is spent.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewError(ipcerr.Newf(ipcerr.KindTimeout,
					"handler for %q exceeded %s", req.Env.Route, timeout))
			}
		}
	}
}
