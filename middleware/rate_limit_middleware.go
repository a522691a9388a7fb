package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/message"
)

// RateLimit sheds requests above r per second (token bucket with the given
// burst). Shed requests are answered with a rate_limited error envelope; the
// connection stays open.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			if !limiter.Allow() {
				return message.NewError(ipcerr.New(ipcerr.KindRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
