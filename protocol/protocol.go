// Package protocol implements the binary frame layer of the IPC wire format.
//
// A stream transport delivers bytes, not messages, so every envelope is
// framed with a fixed-size 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ ipx  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/zakharfsk/ipcx-typed/ipcerr"
)

// Magic number bytes: "ipx". Rejects non-protocol connections (e.g. an HTTP
// client hitting the wrong port) before any body bytes are trusted.
const (
	MagicByte1 byte = 0x69 // 'i'
	MagicByte2 byte = 0x70 // 'p'
	MagicByte3 byte = 0x78 // 'x'
	Version    byte = 0x01
	HeaderSize int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
)

// DefaultMaxFrameSize bounds the body length Decode accepts when the caller
// passes 0.
const DefaultMaxFrameSize uint32 = 4 << 20

// MsgType distinguishes the frame kinds on the wire.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // client → server call
	MsgTypeResponse  MsgType = 1 // server → client success result
	MsgTypeError     MsgType = 2 // server → client error descriptor
	MsgTypeHeartbeat MsgType = 3 // keepalive probe, no body
)

// Codec type constants, mirrored from the codec package to avoid a circular
// import.
const (
	CodecTypeJSON    byte = 0
	CodecTypeMsgpack byte = 1
)

// Header is the fixed 14-byte frame header. Seq is the correlation id that
// ties a response or error frame back to its originating request.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize access to w when multiple goroutines share it,
// otherwise frames from different requests interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicByte1, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Body may be nil for heartbeat frames.
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r. maxFrameSize bounds
// the body length; 0 means DefaultMaxFrameSize.
//
// io.ReadFull guarantees exactly N bytes per read, so partial TCP segments
// never surface as truncated frames.
//
// On an oversize body the parsed header is returned alongside the error, so
// the caller still has a correlation id to answer with before dropping the
// connection. All other failures return a nil header.
func Decode(r io.Reader, maxFrameSize uint32) (*Header, []byte, error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, ipcerr.Newf(ipcerr.KindProtocol, "invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, ipcerr.Newf(ipcerr.KindProtocol, "unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeMsgpack {
		return nil, nil, ipcerr.Newf(ipcerr.KindProtocol, "unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType > byte(MsgTypeHeartbeat) {
		return nil, nil, ipcerr.Newf(ipcerr.KindProtocol, "unsupported message type: %d", msgType)
	}

	header := &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       binary.BigEndian.Uint32(headerBuf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[10:14]),
	}

	if header.BodyLen > maxFrameSize {
		return header, nil, ipcerr.Newf(ipcerr.KindProtocol,
			"frame body of %d bytes exceeds limit of %d", header.BodyLen, maxFrameSize)
	}

	body := make([]byte, header.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return header, body, nil
}
