package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
)

type echoArgs struct {
	Message string `json:"message" msgpack:"message"`
	Times   int    `json:"times" msgpack:"times"`
}

func TestOf(t *testing.T) {
	s, err := Of(echoArgs{})
	require.NoError(t, err)
	assert.Equal(t, "echoArgs", s.Name())

	// Pointer prototypes resolve to the same shape.
	sp, err := Of(&echoArgs{})
	require.NoError(t, err)
	assert.Equal(t, s.GoType(), sp.GoType())
}

func TestOfRejectsNonStructs(t *testing.T) {
	_, err := Of(42)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))

	_, err = Of(nil)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))

	_, err = Of("hello")
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := For[echoArgs]()
	in := &echoArgs{Message: "hi", Times: 3}

	for _, ct := range []codec.Type{codec.TypeJSON, codec.TypeMsgpack} {
		c := codec.Get(ct)

		data, err := s.Encode(c, in)
		require.NoError(t, err)

		out, err := s.Decode(c, data)
		require.NoError(t, err)
		assert.Equal(t, in, out, "codec type %d", ct)
	}
}

func TestEncodeRejectsWrongType(t *testing.T) {
	type other struct {
		Message string `json:"message"`
	}
	s := For[echoArgs]()

	_, err := s.Encode(codec.Get(codec.TypeJSON), &other{Message: "hi"})
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))

	_, err = s.Encode(codec.Get(codec.TypeJSON), nil)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	s := For[echoArgs]()
	_, err := s.Decode(codec.Get(codec.TypeJSON), []byte(`{"message":"hi","times":1,"extra":true}`))
	require.Error(t, err)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))
	assert.Contains(t, err.Error(), "extra")
}

func TestDecodeRejectsWrongFieldType(t *testing.T) {
	s := For[echoArgs]()
	_, err := s.Decode(codec.Get(codec.TypeJSON), []byte(`{"message":"hi","times":"three"}`))
	require.Error(t, err)
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	s := For[echoArgs]()
	_, err := s.Decode(codec.Get(codec.TypeJSON), []byte("{broken"))
	assert.True(t, ipcerr.IsKind(err, ipcerr.KindValidation))
}
