// Package server implements the engine that accepts connections, reads
// framed requests, dispatches them through the route table and writes
// correlated responses.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (handlers never block the read loop)
//	    → middleware chain → dispatch: route lookup → input schema decode
//	      → handler → output schema encode → write response (per-conn write lock)
//
// Failures raised by a single request — unknown route, payload validation,
// handler error or panic — are answered with an error envelope to that
// caller; they never terminate the connection or the process. Only framing
// and transport failures drop a connection, and never any other one.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuclio/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/message"
	"github.com/zakharfsk/ipcx-typed/middleware"
	"github.com/zakharfsk/ipcx-typed/protocol"
	"github.com/zakharfsk/ipcx-typed/registry"
	"github.com/zakharfsk/ipcx-typed/route"
	"github.com/zakharfsk/ipcx-typed/schema"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMaxFrameSize bounds accepted frame bodies; oversize frames are
// answered with a protocol error and the connection is dropped.
func WithMaxFrameSize(limit uint32) Option {
	return func(s *Server) { s.maxFrameSize = limit }
}

// WithSecretKey requires every request to carry a matching authorization
// header; mismatches are answered with an unauthorized error envelope.
func WithSecretKey(key string) Option {
	return func(s *Server) { s.secretKey = key }
}

// WithRegistry announces the server in a service registry on Start and
// withdraws it on Stop. advertiseAddr is the address clients should dial —
// it differs from the bind address because ":8080" is not routable.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.advertiseAddr = advertiseAddr
	}
}

// WithOnStartup runs fn once the listener is bound, before connections are
// accepted.
func WithOnStartup(fn func()) Option {
	return func(s *Server) { s.onStartup = fn }
}

// WithOnError runs fn for every request-level failure the server converts to
// an error envelope and for dropped connections.
func WithOnError(fn func(error)) Option {
	return func(s *Server) { s.onError = fn }
}

// Server owns a route table and serves it over a TCP listener.
type Server struct {
	routes       *route.Table
	listener     net.Listener
	wg           sync.WaitGroup // in-flight requests, drained on Stop
	shutdown     atomic.Bool
	middlewares  []middleware.Middleware
	handler      middleware.HandlerFunc
	maxFrameSize uint32
	secretKey    string
	log          *zap.Logger
	onStartup    func()
	onError      func(error)

	registry      registry.Registry
	serviceName   string
	advertiseAddr string

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func New(opts ...Option) *Server {
	s := &Server{
		routes:       route.NewTable(),
		maxFrameSize: protocol.DefaultMaxFrameSize,
		log:          zap.NewNop(),
		conns:        make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoute adds a named operation with declared input and output
// shapes. Registering the same name twice fails with a duplicate_route
// error, leaving the original registration intact.
func (s *Server) RegisterRoute(name string, input, output *schema.Schema, handler route.Handler) error {
	return s.routes.Register(name, input, output, handler)
}

// Register adds a pre-built route, typically from route.New.
func (s *Server) Register(r *route.Route) error {
	return s.routes.Add(r)
}

// Use appends a middleware. Middlewares wrap dispatch in the order added and
// must be installed before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Routes exposes the route table, e.g. for dynamic registration.
func (s *Server) Routes() *route.Table {
	return s.routes
}

// Addr returns the bound listen address, useful when binding to ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and begins accepting connections in the
// background. An unavailable address fails with a bind error.
func (s *Server) Start(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return ipcerr.Wrap(ipcerr.KindBind, "failed to bind "+bindAddress, err)
	}
	s.listener = listener

	// Built once at startup: Chain(A, B)(dispatch) → A(B(dispatch)).
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	if s.registry != nil {
		if err := s.registry.Announce(s.serviceName, registry.Instance{Addr: s.advertiseAddr}, 10); err != nil {
			listener.Close()
			return errors.Wrap(err, "Failed to announce server in registry")
		}
	}

	if s.onStartup != nil {
		s.onStartup()
	}

	s.log.Info("listening", zap.String("address", listener.Addr().String()),
		zap.Strings("routes", s.routes.Names()))
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Stop closes the listener; only unexpected accept errors are
			// worth reporting.
			if !s.shutdown.Load() {
				s.log.Error("accept failed", zap.Error(err))
				s.notifyError(err)
			}
			return
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		go s.handleConn(conn)
	}
}

// handleConn runs the per-connection read loop. Reads are sequential — frame
// boundaries only parse from a single reader — but every request is handed
// to its own goroutine, so a slow handler never stalls the next frame and
// responses may complete in any order.
func (s *Server) handleConn(conn net.Conn) {
	connLog := s.log.With(zap.String("conn_id", xid.New().String()),
		zap.String("remote", conn.RemoteAddr().String()))
	connLog.Debug("connection accepted")

	// Shared by all request goroutines on this connection so concurrently
	// written responses never interleave partial frames.
	writeMu := &sync.Mutex{}

	defer func() {
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		connLog.Debug("connection closed")
	}()

	for {
		header, body, err := protocol.Decode(conn, s.maxFrameSize)
		if err != nil {
			// An oversize frame still yields a parsed header, so the caller
			// gets a protocol error for its correlation id before the
			// connection drops. Anything else is unrecoverable framing.
			if header != nil {
				s.writeError(conn, writeMu, header, ipcerr.Newf(ipcerr.KindProtocol,
					"frame body of %d bytes exceeds limit of %d", header.BodyLen, s.maxFrameSize))
			}
			if !s.shutdown.Load() {
				s.notifyError(err)
			}
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			s.writeError(conn, writeMu, header,
				ipcerr.Newf(ipcerr.KindProtocol, "unexpected message type %d", header.MsgType))
			continue
		}

		c := codec.Get(codec.Type(header.CodecType))
		env := &message.Envelope{}
		if err := c.Decode(body, env); err != nil {
			// The frame was well-formed, so the correlation id is usable:
			// answer with a protocol error instead of dropping the conn.
			s.writeError(conn, writeMu, header,
				ipcerr.Wrap(ipcerr.KindProtocol, "malformed request envelope", err))
			continue
		}

		s.wg.Add(1)
		go s.handleRequest(header, env, c, conn, writeMu)
	}
}

// handleRequest runs one request through the middleware chain and writes the
// correlated response. It runs in its own goroutine.
func (s *Server) handleRequest(header *protocol.Header, env *message.Envelope, c codec.Codec, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	resp := s.handler(context.Background(), &middleware.Request{
		Env:        env,
		Codec:      c,
		Seq:        header.Seq,
		RemoteAddr: conn.RemoteAddr().String(),
	})

	s.writeEnvelope(conn, writeMu, header, resp)
}

// dispatch is the innermost handler: authorization, route lookup, input
// validation, handler invocation and output validation. Every failure mode
// becomes an error envelope for this one caller.
func (s *Server) dispatch(ctx context.Context, req *middleware.Request) *message.Envelope {
	if s.secretKey != "" && req.Env.Headers.Authorization != s.secretKey {
		return s.errorEnvelope(ipcerr.New(ipcerr.KindUnauthorized, "invalid authorization header"))
	}

	rt, err := s.routes.Lookup(req.Env.Route)
	if err != nil {
		return s.errorEnvelope(ipcerr.Newf(ipcerr.KindRouteNotFound, "no route registered under %q", req.Env.Route))
	}

	input, err := rt.Input.Decode(req.Codec, req.Env.Payload)
	if err != nil {
		return s.errorEnvelope(asIPCError(err, ipcerr.KindValidation))
	}

	output, err := s.invoke(ctx, rt, input)
	if err != nil {
		// The handler's own message is assumed safe; panics are sanitized in
		// invoke before they get here.
		return s.errorEnvelope(ipcerr.New(ipcerr.KindHandler, err.Error()))
	}

	payload, err := rt.Output.Encode(req.Codec, output)
	if err != nil {
		// The handler produced something that does not conform to its own
		// declared output shape. That is a server-side bug, but still only
		// this caller's problem.
		s.log.Error("output schema violation", zap.String("route", rt.Name), zap.Error(err))
		return s.errorEnvelope(asIPCError(err, ipcerr.KindValidation))
	}

	return message.NewResponse(payload)
}

// invoke runs the handler, converting a panic into an error so one faulting
// handler cannot crash the process. The panic value never reaches the wire.
func (s *Server) invoke(ctx context.Context, rt *route.Route, input any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", zap.String("route", rt.Name),
				zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("internal error in handler for %q", rt.Name)
		}
	}()
	return rt.Handler(ctx, input)
}

func (s *Server) errorEnvelope(err *ipcerr.Error) *message.Envelope {
	s.notifyError(err)
	return message.NewError(err)
}

func (s *Server) writeError(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, err *ipcerr.Error) {
	s.notifyError(err)
	s.writeEnvelope(conn, writeMu, header, message.NewError(err))
}

// writeEnvelope encodes env and writes one correlated frame, holding the
// per-connection write lock for the whole frame.
func (s *Server) writeEnvelope(conn net.Conn, writeMu *sync.Mutex, reqHeader *protocol.Header, env *message.Envelope) {
	c := codec.Get(codec.Type(reqHeader.CodecType))
	body, err := c.Encode(env)
	if err != nil {
		s.log.Error("failed to encode response envelope", zap.Error(err))
		return
	}

	msgType := protocol.MsgTypeResponse
	if env.IsError() {
		msgType = protocol.MsgTypeError
	}
	header := &protocol.Header{
		CodecType: reqHeader.CodecType,
		MsgType:   msgType,
		Seq:       reqHeader.Seq, // same seq as the request: this is the correlation
		BodyLen:   uint32(len(body)),
	}

	writeMu.Lock()
	err = protocol.Encode(conn, header, body)
	writeMu.Unlock()
	if err != nil {
		s.log.Warn("failed to write response", zap.Uint32("seq", reqHeader.Seq), zap.Error(err))
	}
}

// Stop shuts the server down:
//  1. withdraw from the registry, so clients stop dialing this instance
//  2. stop accepting new connections
//  3. wait for in-flight requests up to the timeout
//  4. close remaining connections
func (s *Server) Stop(timeout time.Duration) error {
	if s.registry != nil {
		if err := s.registry.Withdraw(s.serviceName, s.advertiseAddr); err != nil {
			s.log.Warn("failed to withdraw from registry", zap.Error(err))
		}
	}

	// Flag before closing the listener, so the accept loop recognizes the
	// close as intentional.
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-time.After(timeout):
		waitErr = errors.New("timed out waiting for in-flight requests")
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.log.Info("stopped")
	return waitErr
}

func (s *Server) notifyError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// asIPCError keeps an already classified error, or classifies err under
// fallback.
func asIPCError(err error, fallback ipcerr.Kind) *ipcerr.Error {
	if e, ok := err.(*ipcerr.Error); ok {
		return e
	}
	return ipcerr.New(fallback, err.Error())
}
