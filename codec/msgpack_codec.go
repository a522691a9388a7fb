package codec

import (
	"github.com/vmihailenco/msgpack/v4"
)

// MsgpackCodec uses MessagePack: a compact binary format, faster to parse
// than JSON while keeping the same self-describing field layout.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() Type {
	return TypeMsgpack
}
