// Package client implements the calling side of the engine: it owns one
// outbound connection, correlates in-flight requests and exposes a blocking
// call with a deadline.
package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/loadbalance"
	"github.com/zakharfsk/ipcx-typed/message"
	"github.com/zakharfsk/ipcx-typed/registry"
	"github.com/zakharfsk/ipcx-typed/schema"
	"github.com/zakharfsk/ipcx-typed/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-call deadline applied when the Request
// context carries none. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCodec selects the serialization format. Defaults to JSON.
func WithCodec(t codec.Type) Option {
	return func(c *Client) { c.codec = codec.Get(t) }
}

// WithMaxFrameSize bounds frames in both directions.
func WithMaxFrameSize(limit uint32) Option {
	return func(c *Client) { c.maxFrameSize = limit }
}

// WithSecretKey attaches an authorization header to every request.
func WithSecretKey(key string) Option {
	return func(c *Client) { c.secretKey = key }
}

// WithRetry retries a refused dial up to attempts times, sleeping delay
// between attempts. Defaults to a single attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.dialAttempts = attempts
		c.retryDelay = delay
	}
}

// WithHeartbeat overrides the keepalive interval; negative disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeat = interval }
}

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client issues typed calls over a single multiplexed connection.
// Concurrent Request calls interleave safely; each is resolved only by the
// response carrying its own correlation id.
type Client struct {
	tr           *transport.Transport
	codec        codec.Codec
	timeout      time.Duration
	maxFrameSize uint32
	secretKey    string
	dialAttempts int
	retryDelay   time.Duration
	heartbeat    time.Duration
	log          *zap.Logger
}

// Dial connects to a server address, retrying per the configured policy. A
// dial that stays refused fails with a connection error.
func Dial(address string, opts ...Option) (*Client, error) {
	c := &Client{
		codec:        codec.Get(codec.TypeJSON),
		timeout:      30 * time.Second,
		dialAttempts: 1,
		retryDelay:   time.Second,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialAttempts < 1 {
		c.dialAttempts = 1
	}

	cfg := transport.Config{
		Codec:             c.codec,
		MaxFrameSize:      c.maxFrameSize,
		HeartbeatInterval: c.heartbeat,
		Logger:            c.log,
	}

	var lastErr error
	for attempt := 1; attempt <= c.dialAttempts; attempt++ {
		tr, err := transport.Dial(address, cfg)
		if err == nil {
			c.tr = tr
			return c, nil
		}
		lastErr = err
		c.log.Warn("dial failed", zap.String("address", address),
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < c.dialAttempts {
			time.Sleep(c.retryDelay)
		}
	}
	return nil, lastErr
}

// DialService discovers the instances of a service in the registry, picks
// one with the balancer and dials it.
func DialService(reg registry.Registry, service string, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(service)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindConnection, "failed to discover service "+service, err)
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, err
	}
	return Dial(instance.Addr, opts...)
}

// Request calls a named route and blocks until the correlated response
// arrives, the deadline elapses, or the connection dies.
//
// payload must be a struct (or pointer to one); its shape is the implicit
// input contract. The result is decoded against output and returned as a
// pointer to output's declared type.
//
// Failures are always typed: a timeout removes the pending entry (a late
// response is then discarded as stale) and returns a timeout error; a dead
// connection returns a connection_closed error; a server-side failure
// returns the kind the server answered with.
func (c *Client) Request(ctx context.Context, routeName string, payload any, output *schema.Schema) (any, error) {
	if output == nil {
		return nil, ipcerr.New(ipcerr.KindValidation, "expected output schema must not be nil")
	}
	in, err := schema.Of(payload)
	if err != nil {
		return nil, err
	}
	encoded, err := in.Encode(c.codec, payload)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	seq, respCh, err := c.tr.Send(routeName, message.Headers{Authorization: c.secretKey}, encoded)
	if err != nil {
		return nil, err
	}

	select {
	case env := <-respCh:
		if env.IsError() {
			return nil, env.Err()
		}
		result, err := output.Decode(c.codec, env.Payload)
		if err != nil {
			return nil, err
		}
		return result, nil

	case <-ctx.Done():
		// Cancel only the local wait: drop the pending entry so a late
		// response is discarded, whether or not the server keeps running.
		c.tr.Forget(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ipcerr.Newf(ipcerr.KindTimeout, "no response for %q before deadline", routeName)
		}
		return nil, ctx.Err()
	}
}

// State exposes the connection lifecycle state.
func (c *Client) State() transport.State {
	return c.tr.State()
}

// Done is closed once the connection has terminated and all pending
// requests have been failed.
func (c *Client) Done() <-chan struct{} {
	return c.tr.Done()
}

// Close tears the connection down, failing anything still pending with a
// connection_closed error.
func (c *Client) Close() error {
	return c.tr.Close()
}

// Call is the typed convenience wrapper around Request:
//
//	reply, err := client.Call[AddArgs, AddReply](ctx, c, "add", &AddArgs{A: 1, B: 2})
func Call[In, Out any](ctx context.Context, c *Client, routeName string, in *In) (*Out, error) {
	result, err := c.Request(ctx, routeName, in, schema.For[Out]())
	if err != nil {
		return nil, err
	}
	return result.(*Out), nil
}
