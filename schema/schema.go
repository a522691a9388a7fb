// Package schema implements the typed payload contract of a route.
//
// A Schema is a declared Go struct shape. Encoding checks that the value
// conforms to the shape before serializing it; decoding deserializes into a
// generic value first and then performs a strict, field-checked mapping into
// a fresh instance of the shape. Any mismatch — unknown fields, wrong field
// types, a value that is not the declared struct — surfaces as a validation
// error rather than a silently garbled payload.
package schema

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/zakharfsk/ipcx-typed/codec"
	"github.com/zakharfsk/ipcx-typed/ipcerr"
)

// Schema describes one payload shape. The zero value is not usable; build
// one with Of, MustOf or For.
type Schema struct {
	typ reflect.Type
}

// Of builds a schema from a prototype value: a struct or a pointer to one.
// Shapes are checked here, at registration time, so a malformed registration
// fails before the server ever accepts a connection.
func Of(prototype any) (*Schema, error) {
	if prototype == nil {
		return nil, ipcerr.New(ipcerr.KindValidation, "schema prototype must not be nil")
	}
	typ := reflect.TypeOf(prototype)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, ipcerr.Newf(ipcerr.KindValidation, "schema prototype must be a struct, got %s", typ.Kind())
	}
	return &Schema{typ: typ}, nil
}

// MustOf is Of for statically known shapes; it panics on a malformed
// prototype.
func MustOf(prototype any) *Schema {
	s, err := Of(prototype)
	if err != nil {
		panic(err)
	}
	return s
}

// For builds a schema from a type parameter: schema.For[AddArgs]().
func For[T any]() *Schema {
	var zero T
	return MustOf(&zero)
}

// Name returns the declared type's name, used in validation messages.
func (s *Schema) Name() string {
	return s.typ.Name()
}

// GoType exposes the underlying struct type.
func (s *Schema) GoType() reflect.Type {
	return s.typ
}

// New allocates a fresh instance of the shape, returned as a pointer.
func (s *Schema) New() any {
	return reflect.New(s.typ).Interface()
}

// Conforms checks that v is an instance (or pointer to an instance) of the
// declared shape.
func (s *Schema) Conforms(v any) error {
	if v == nil {
		return ipcerr.Newf(ipcerr.KindValidation, "value for schema %s is nil", s.Name())
	}
	typ := reflect.TypeOf(v)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ != s.typ {
		return ipcerr.Newf(ipcerr.KindValidation,
			"value of type %s does not conform to schema %s", typ, s.typ)
	}
	return nil
}

// Encode validates v against the shape and serializes it with c.
func (s *Schema) Encode(c codec.Codec, v any) ([]byte, error) {
	if err := s.Conforms(v); err != nil {
		return nil, err
	}
	data, err := c.Encode(v)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindValidation,
			"failed to encode value for schema "+s.Name(), err)
	}
	return data, nil
}

// Decode deserializes payload with c and maps it strictly into a fresh
// instance of the shape. The result is a pointer to the declared struct type.
//
// Unknown fields are rejected (ErrorUnused), and field names are matched
// against json tags so both codecs agree on the wire names.
func (s *Schema) Decode(c codec.Codec, payload []byte) (any, error) {
	var raw any
	if err := c.Decode(payload, &raw); err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindValidation,
			"payload for schema "+s.Name()+" is not decodable", err)
	}

	out := s.New()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
		TagName:     "json",
	})
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindValidation, "failed to build decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, ipcerr.Newf(ipcerr.KindValidation,
			"payload does not match schema %s: %s", s.Name(), flatten(err))
	}
	return out, nil
}

// flatten turns mapstructure's multi-line error report into a single line
// safe to carry in an error envelope.
func flatten(err error) string {
	return strings.Join(strings.Split(strings.TrimSpace(err.Error()), "\n"), "; ")
}
