// Package codec provides the serialization formats used for envelope and
// payload bytes. The codec type travels in the frame header, so each side
// decodes with whatever format the peer chose.
package codec

type Type byte

const (
	TypeJSON    Type = 0
	TypeMsgpack Type = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type // 0=JSON, 1=Msgpack
}

func Get(t Type) Codec {
	if t == TypeMsgpack {
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}
