// Package transport implements the client side of a connection: one
// multiplexed byte stream carrying many concurrent in-flight requests.
//
// Each request gets a fresh correlation seq and its own buffered channel in
// the pending map. A single background goroutine (recvLoop) reads frames and
// routes each response to the channel registered under its seq:
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] ← envelope → goroutine-2 wakes up
//
// Responses may arrive in any order; correctness depends only on seq
// matching, never on arrival order.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/message"
	"github.com/zakharfsk/ipcx-typed/protocol"
)

// State is the connection lifecycle position. Transitions:
//
//	Disconnected → Connecting → Connected → Closing → Closed
//
// Errored is terminal, reachable from Connecting or Connected on an
// unrecoverable transport failure.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Config tunes a transport. Zero values fall back to the listed defaults.
type Config struct {
	Codec             codec.Codec   // default: JSON
	MaxFrameSize      uint32        // default: protocol.DefaultMaxFrameSize
	HeartbeatInterval time.Duration // default: 30s; negative disables
	DialTimeout       time.Duration // default: 10s
	Logger            *zap.Logger   // default: zap.NewNop()
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Codec == nil {
		cfg.Codec = codec.Get(codec.TypeJSON)
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Transport manages a single multiplexed connection.
type Transport struct {
	id    string
	conn  net.Conn
	cfg   Config
	log   *zap.Logger
	state atomic.Int32
	seq   atomic.Uint32

	// writeMu serializes whole frames onto the connection. Concurrent
	// writers without it would interleave header and body bytes from
	// different requests and corrupt the stream.
	writeMu sync.Mutex

	// mu guards pending and the closed flag together, so no request can be
	// registered after the fail-all pass has run: every pending request is
	// resolved exactly once.
	mu       sync.Mutex
	pending  map[uint32]chan *message.Envelope
	closed   bool
	closeErr *ipcerr.Error

	done          chan struct{}
	heartbeatStop chan struct{}
}

// Dial establishes a connection and starts the receive and heartbeat loops.
// It drives Disconnected → Connecting → Connected; a refused or timed-out
// dial lands in Errored and returns a connection error.
func Dial(address string, cfg Config) (*Transport, error) {
	t := &Transport{
		id:            xid.New().String(),
		cfg:           cfg.withDefaults(),
		pending:       make(map[uint32]chan *message.Envelope),
		done:          make(chan struct{}),
		heartbeatStop: make(chan struct{}),
	}
	t.log = t.cfg.Logger.With(zap.String("conn_id", t.id), zap.String("address", address))

	t.state.Store(int32(StateConnecting))
	conn, err := net.DialTimeout("tcp", address, t.cfg.DialTimeout)
	if err != nil {
		t.state.Store(int32(StateErrored))
		return nil, ipcerr.Wrap(ipcerr.KindConnection, "failed to connect to "+address, err)
	}
	t.conn = conn
	t.state.Store(int32(StateConnected))
	t.log.Debug("connected")

	go t.recvLoop()
	if t.cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop(t.cfg.HeartbeatInterval)
	}
	return t, nil
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Done is closed once the transport has failed all pending requests, whether
// through Close or a transport failure.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the close cause once Done is closed, nil before that.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeErr == nil {
		return nil
	}
	return t.closeErr
}

// Send writes one request frame and registers a pending entry for its
// correlation seq. The returned channel receives exactly one envelope: the
// matched response, the matched error, or a connection_closed error if the
// transport dies first.
func (t *Transport) Send(route string, headers message.Headers, payload []byte) (uint32, <-chan *message.Envelope, error) {
	env := message.NewRequest(route, headers, payload)
	body, err := t.cfg.Codec.Encode(env)
	if err != nil {
		return 0, nil, ipcerr.Wrap(ipcerr.KindValidation, "failed to encode request envelope", err)
	}
	if uint32(len(body)) > t.cfg.MaxFrameSize {
		return 0, nil, ipcerr.Newf(ipcerr.KindProtocol,
			"request frame of %d bytes exceeds limit of %d", len(body), t.cfg.MaxFrameSize)
	}

	seq := t.seq.Add(1)

	// Register before writing, so a response racing back cannot miss the
	// entry. The channel is buffered: recvLoop must never block on delivery.
	ch := make(chan *message.Envelope, 1)
	t.mu.Lock()
	if t.closed {
		closeErr := t.closeErr
		t.mu.Unlock()
		return 0, nil, closeErr
	}
	t.pending[seq] = ch
	t.mu.Unlock()

	header := &protocol.Header{
		CodecType: byte(t.cfg.Codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	t.writeMu.Lock()
	err = protocol.Encode(t.conn, header, body)
	t.writeMu.Unlock()
	if err != nil {
		t.Forget(seq)
		t.fail(err)
		return 0, nil, ipcerr.Wrap(ipcerr.KindConnectionClosed, "connection lost while sending", err)
	}
	return seq, ch, nil
}

// Forget drops the pending entry for seq, reporting whether it was still
// registered. A response arriving after Forget is discarded as stale.
func (t *Transport) Forget(seq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[seq]
	delete(t.pending, seq)
	return ok
}

// Close transitions Connected → Closing, flushes any in-progress write, and
// completes into Closed, failing whatever is still pending. It is safe to
// call more than once.
func (t *Transport) Close() error {
	if !t.state.CompareAndSwap(int32(StateConnected), int32(StateClosing)) {
		return nil
	}
	close(t.heartbeatStop)

	// Taking the write lock waits out any frame currently being written, so
	// Closing completes only after outstanding writes flush.
	t.writeMu.Lock()
	err := t.conn.Close()
	t.writeMu.Unlock()

	// recvLoop will observe the closed conn and run the fail-all pass.
	<-t.done
	return err
}

// recvLoop is the sole reader of the connection. Frames must be read
// sequentially to preserve frame boundaries, so there is exactly one of
// these per transport. Each arriving envelope is matched against the pending
// map by seq and resolves only that caller; unmatched seqs are stale (the
// caller already timed out or the server misbehaved) and are discarded
// rather than misrouted.
func (t *Transport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn, t.cfg.MaxFrameSize)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType == protocol.MsgTypeRequest {
			t.log.Warn("discarding request frame from server", zap.Uint32("seq", header.Seq))
			continue
		}

		env := &message.Envelope{}
		if err := codec.Get(codec.Type(header.CodecType)).Decode(body, env); err != nil {
			t.log.Warn("discarding undecodable envelope",
				zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[header.Seq]
		delete(t.pending, header.Seq)
		t.mu.Unlock()
		if !ok {
			t.log.Debug("discarding stale response", zap.Uint32("seq", header.Seq))
			continue
		}
		ch <- env
	}
}

// heartbeatLoop sends periodic empty heartbeat frames so half-dead
// connections are detected by a failed write instead of lingering forever.
func (t *Transport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.heartbeatStop:
			return
		case <-ticker.C:
			header := &protocol.Header{
				CodecType: byte(t.cfg.Codec.Type()),
				MsgType:   protocol.MsgTypeHeartbeat,
			}
			t.writeMu.Lock()
			err := protocol.Encode(t.conn, header, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.fail(err)
				return
			}
		}
	}
}

// fail moves the transport to its terminal state and resolves every pending
// request with a connection_closed error, exactly once each. Closing becomes
// Closed; anything else becomes Errored.
func (t *Transport) fail(cause error) {
	final := StateErrored
	if State(t.state.Load()) == StateClosing {
		final = StateClosed
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.state.Store(int32(final))
	if final == StateClosed {
		t.closeErr = ipcerr.New(ipcerr.KindConnectionClosed, "connection closed")
	} else {
		t.closeErr = ipcerr.Wrap(ipcerr.KindConnectionClosed, "connection failed", cause)
	}
	orphans := t.pending
	t.pending = make(map[uint32]chan *message.Envelope)
	closeErr := t.closeErr
	t.mu.Unlock()

	for seq, ch := range orphans {
		ch <- message.NewError(closeErr)
		t.log.Debug("failed pending request", zap.Uint32("seq", seq))
	}
	if final == StateErrored {
		t.log.Warn("connection failed", zap.Error(cause), zap.Int("orphaned", len(orphans)))
		t.conn.Close()
	}
	close(t.done)
}
