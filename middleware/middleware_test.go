package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/message"
)

func testRequest(route string) *Request {
	return &Request{
		Env:        message.NewRequest(route, message.Headers{}, nil),
		Codec:      codec.Get(codec.TypeJSON),
		Seq:        1,
		RemoteAddr: "test",
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) *message.Envelope {
				order = append(order, name+"-before")
				resp := next(ctx, req)
				order = append(order, name+"-after")
				return resp
			}
		}
	}

	handler := Chain(tag("a"), tag("b"))(func(_ context.Context, _ *Request) *message.Envelope {
		order = append(order, "handler")
		return message.NewResponse(nil)
	})

	resp := handler(context.Background(), testRequest("echo"))
	require.False(t, resp.IsError())
	assert.Equal(t, []string{"a-before", "b-before", "handler", "b-after", "a-after"}, order)
}

func TestRateLimit(t *testing.T) {
	handler := RateLimit(1, 2)(func(_ context.Context, _ *Request) *message.Envelope {
		return message.NewResponse(nil)
	})

	// Burst of 2 passes, the third is shed.
	assert.False(t, handler(context.Background(), testRequest("echo")).IsError())
	assert.False(t, handler(context.Background(), testRequest("echo")).IsError())

	resp := handler(context.Background(), testRequest("echo"))
	require.True(t, resp.IsError())
	assert.Equal(t, string(ipcerr.KindRateLimited), resp.ErrorKind)
}

func TestTimeout(t *testing.T) {
	handler := Timeout(20 * time.Millisecond)(func(ctx context.Context, _ *Request) *message.Envelope {
		<-ctx.Done()
		return message.NewResponse(nil)
	})

	resp := handler(context.Background(), testRequest("slow"))
	require.True(t, resp.IsError())
	assert.Equal(t, string(ipcerr.KindTimeout), resp.ErrorKind)
}

func TestTimeoutPassesFastHandlers(t *testing.T) {
	handler := Timeout(time.Second)(func(_ context.Context, _ *Request) *message.Envelope {
		return message.NewResponse([]byte("ok"))
	})

	resp := handler(context.Background(), testRequest("fast"))
	assert.False(t, resp.IsError())
}

func TestLoggingPassthrough(t *testing.T) {
	handler := Logging(zap.NewNop())(func(_ context.Context, _ *Request) *message.Envelope {
		return message.NewError(ipcerr.New(ipcerr.KindHandler, "boom"))
	})

	resp := handler(context.Background(), testRequest("echo"))
	require.True(t, resp.IsError())
	assert.Equal(t, "boom", resp.ErrorMessage)
}
