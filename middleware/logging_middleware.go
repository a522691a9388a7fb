package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zakharfsk/ipcx-typed/message"
)

// Logging records one line per dispatched request: route, peer, duration and
// the error kind when the response is an error envelope.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("route", req.Env.Route),
				zap.Uint32("seq", req.Seq),
				zap.String("remote", req.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.IsError() {
				fields = append(fields, zap.String("error_kind", resp.ErrorKind),
					zap.String("error", resp.ErrorMessage))
				log.Warn("request failed", fields...)
				return resp
			}
			log.Info("request handled", fields...)
			return resp
		}
	}
}
