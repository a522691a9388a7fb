// Package message defines the envelope exchanged between client and server.
//
// An Envelope is serialized by the codec layer and wrapped in a protocol
// frame for transmission. Which fields are populated depends on the frame's
// message type:
//
//   - request:  Route, Headers and Payload are set.
//   - response: Payload carries the encoded result.
//   - error:    ErrorKind and ErrorMessage describe the failure.
package message

import "github.com/zakharfsk/ipcx-typed/ipcerr"

// Headers carries per-request metadata sent alongside the payload.
type Headers struct {
	Authorization string `json:"authorization,omitempty" msgpack:"authorization,omitempty"`
}

// Envelope is the logical message inside one frame. Payload holds bytes
// already encoded with the same codec as the envelope itself, so a schema
// layer can defer decoding until the route's declared shape is known.
type Envelope struct {
	Route        string  `json:"route,omitempty" msgpack:"route,omitempty"`
	Headers      Headers `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Payload      []byte  `json:"payload,omitempty" msgpack:"payload,omitempty"`
	ErrorKind    string  `json:"error_kind,omitempty" msgpack:"error_kind,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty" msgpack:"error_message,omitempty"`
}

// NewRequest builds a request envelope for a named route.
func NewRequest(route string, headers Headers, payload []byte) *Envelope {
	return &Envelope{Route: route, Headers: headers, Payload: payload}
}

// NewResponse builds a success envelope carrying an encoded result.
func NewResponse(payload []byte) *Envelope {
	return &Envelope{Payload: payload}
}

// NewError builds an error envelope from a classified failure.
func NewError(err *ipcerr.Error) *Envelope {
	return &Envelope{ErrorKind: string(err.Kind), ErrorMessage: err.Message}
}

// IsError reports whether the envelope describes a failure.
func (e *Envelope) IsError() bool {
	return e.ErrorKind != ""
}

// Err rebuilds the typed error carried by an error envelope, or nil for a
// success envelope.
func (e *Envelope) Err() *ipcerr.Error {
	if !e.IsError() {
		return nil
	}
	return ipcerr.FromWire(e.ErrorKind, e.ErrorMessage)
}
