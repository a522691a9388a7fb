package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
	"github.com/zakharfsk/ipcx-typed/message"
	"github.com/zakharfsk/ipcx-typed/protocol"
)

// fakeServer accepts one connection and hands every decoded request frame to
// behave, together with a serialized writer for responses.
type fakeServer struct {
	listener net.Listener
	writeMu  sync.Mutex
	conn     net.Conn
}

func newFakeServer(t *testing.T, behave func(s *fakeServer, header *protocol.Header, env *message.Envelope)) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{listener: listener}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s.conn = conn
		c := codec.Get(codec.TypeJSON)
		for {
			header, body, err := protocol.Decode(conn, 0)
			if err != nil {
				return
			}
			if header.MsgType != protocol.MsgTypeRequest {
				continue
			}
			env := &message.Envelope{}
			if err := c.Decode(body, env); err != nil {
				continue
			}
			behave(s, header, env)
		}
	}()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *fakeServer) addr() string {
	return s.listener.Addr().String()
}

// reply writes one correlated frame back to the client. It runs on the
// server goroutine, so failures are reported with Errorf rather than FailNow.
func (s *fakeServer) reply(t *testing.T, seq uint32, env *message.Envelope) {
	body, err := codec.Get(codec.TypeJSON).Encode(env)
	if err != nil {
		t.Errorf("encode reply: %v", err)
		return
	}

	msgType := protocol.MsgTypeResponse
	if env.IsError() {
		msgType = protocol.MsgTypeError
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.Encode(s.conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}, body); err != nil {
		t.Errorf("write reply: %v", err)
	}
}

func TestDialRefused(t *testing.T) {
	// Grab a port and close it again, so nothing is listening there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	_, err = Dial(addr, Config{DialTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindConnection))
}

func TestSendReceiveCorrelation(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, header *protocol.Header, env *message.Envelope) {
		s.reply(t, header.Seq, message.NewResponse(env.Payload))
	})

	tr, err := Dial(srv.addr(), Config{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, StateConnected, tr.State())

	_, ch, err := tr.Send("echo", message.Headers{}, []byte(`"ping"`))
	require.NoError(t, err)

	select {
	case env := <-ch:
		require.False(t, env.IsError())
		assert.Equal(t, []byte(`"ping"`), env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestOutOfOrderResponsesResolveTheRightCallers(t *testing.T) {
	// Collect all requests first, then answer them newest-first.
	type pendingReq struct {
		seq     uint32
		payload []byte
	}
	const n = 5
	reqs := make(chan pendingReq, n)
	srv := newFakeServer(t, func(s *fakeServer, header *protocol.Header, env *message.Envelope) {
		reqs <- pendingReq{seq: header.Seq, payload: env.Payload}
		if len(reqs) == n {
			buffered := make([]pendingReq, 0, n)
			for len(buffered) < n {
				buffered = append(buffered, <-reqs)
			}
			for i := n - 1; i >= 0; i-- {
				s.reply(t, buffered[i].seq, message.NewResponse(buffered[i].payload))
			}
		}
	})

	tr, err := Dial(srv.addr(), Config{})
	require.NoError(t, err)
	defer tr.Close()

	channels := make([]<-chan *message.Envelope, n)
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = []byte{byte('0' + i)}
		_, ch, err := tr.Send("echo", message.Headers{}, payloads[i])
		require.NoError(t, err)
		channels[i] = ch
	}

	// Each caller gets its own payload back regardless of response order.
	for i := 0; i < n; i++ {
		select {
		case env := <-channels[i]:
			assert.Equal(t, payloads[i], env.Payload, "request %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
}

func TestForgetDiscardsLateResponse(t *testing.T) {
	respond := make(chan struct{})
	srv := newFakeServer(t, func(s *fakeServer, header *protocol.Header, env *message.Envelope) {
		if env.Route == "slow" {
			go func() {
				<-respond
				s.reply(t, header.Seq, message.NewResponse([]byte("late")))
			}()
			return
		}
		s.reply(t, header.Seq, message.NewResponse([]byte("fast")))
	})

	tr, err := Dial(srv.addr(), Config{})
	require.NoError(t, err)
	defer tr.Close()

	seq, ch, err := tr.Send("slow", message.Headers{}, nil)
	require.NoError(t, err)

	// Local cancellation: the entry is gone, the eventual response is stale.
	assert.True(t, tr.Forget(seq))
	assert.False(t, tr.Forget(seq))
	close(respond)

	// The late response must not leak into the forgotten channel, and a new
	// request keeps working on the same connection.
	_, fastCh, err := tr.Send("fast", message.Headers{}, nil)
	require.NoError(t, err)
	select {
	case env := <-fastCh:
		assert.Equal(t, []byte("fast"), env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up request never resolved")
	}

	select {
	case env := <-ch:
		t.Fatalf("forgotten request resolved with %v", env)
	default:
	}
}

func TestServerDisconnectFailsAllPending(t *testing.T) {
	const m = 4
	received := make(chan struct{}, m)
	srv := newFakeServer(t, func(s *fakeServer, header *protocol.Header, env *message.Envelope) {
		received <- struct{}{} // never reply
	})

	tr, err := Dial(srv.addr(), Config{})
	require.NoError(t, err)

	channels := make([]<-chan *message.Envelope, m)
	for i := 0; i < m; i++ {
		_, ch, err := tr.Send("void", message.Headers{}, nil)
		require.NoError(t, err)
		channels[i] = ch
	}
	for i := 0; i < m; i++ {
		<-received
	}

	srv.conn.Close()

	// Every pending request resolves with connection_closed, exactly once.
	for i, ch := range channels {
		select {
		case env := <-ch:
			require.True(t, env.IsError(), "request %d", i)
			assert.Equal(t, string(ipcerr.KindConnectionClosed), env.ErrorKind)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d left unresolved", i)
		}
		select {
		case env := <-ch:
			t.Fatalf("request %d resolved twice: %v", i, env)
		default:
		}
	}

	<-tr.Done()
	assert.Equal(t, StateErrored, tr.State())
	assert.True(t, ipcerr.IsKind(tr.Err(), ipcerr.KindConnectionClosed))

	// New sends are rejected once the transport is dead.
	_, _, err = tr.Send("void", message.Headers{}, nil)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindConnectionClosed))
}

func TestCloseTransitionsToClosed(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, header *protocol.Header, env *message.Envelope) {})

	tr, err := Dial(srv.addr(), Config{})
	require.NoError(t, err)
	require.Equal(t, StateConnected, tr.State())

	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())

	// Idempotent.
	assert.NoError(t, tr.Close())
}

func TestOversizeSendRejectedLocally(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, header *protocol.Header, env *message.Envelope) {})

	tr, err := Dial(srv.addr(), Config{MaxFrameSize: 64})
	require.NoError(t, err)
	defer tr.Close()

	_, _, err = tr.Send("echo", message.Headers{}, make([]byte, 1024))
	require.Error(t, err)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindProtocol))
}
