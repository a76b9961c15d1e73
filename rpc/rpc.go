// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rpc defines the JSON-RPC shaped frames exchanged with scripts,
// the foreground, the popup and the host, and the error taxonomy that
// travels inside them.
package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is the unit written on a channel.  A frame with a Method is a
// request, anything else is a response.
type Frame struct {
	ID     string          `cbor:"id"`
	Method string          `cbor:"method,omitempty"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	Error  *Error          `cbor:"error,omitempty"`
}

// IsRequest returns true if the frame carries a method call.
func (f *Frame) IsRequest() bool {
	return f.Method != ""
}

// Request returns the request view of the frame.
func (f *Frame) Request() *Request {
	return &Request{ID: f.ID, Method: f.Method, Params: f.Params}
}

// Response returns the response view of the frame.
func (f *Frame) Response() *Response {
	return &Response{ID: f.ID, Result: f.Result, Error: f.Error}
}

// Request is an inbound or outbound method call.
type Request struct {
	ID     string
	Method string
	Params cbor.RawMessage
}

// NewRequest encodes params and returns a request.
func NewRequest(id, method string, params any) (*Request, error) {
	raw, err := Encode(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// Frame returns the request as a wire frame.
func (r *Request) Frame() *Frame {
	return &Frame{ID: r.ID, Method: r.Method, Params: r.Params}
}

// DecodeParams decodes the params into v.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return fmt.Errorf("%w: %s: missing params", ErrInvalidParams, r.Method)
	}
	if err := cbor.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, r.Method, err)
	}
	return nil
}

// Tuple decodes positional params into ptrs.  Trailing params that are
// absent leave their target untouched, so optional arguments keep their
// zero value.
func (r *Request) Tuple(ptrs ...any) error {
	if err := DecodeTuple(r.Params, ptrs...); err != nil {
		return fmt.Errorf("%s: %w", r.Method, err)
	}
	return nil
}

// Response is the answer to a Request, holding either a Result or an Error.
type Response struct {
	ID     string
	Result cbor.RawMessage
	Error  *Error
}

// NewResponse encodes v as the successful result for id.
func NewResponse(id string, v any) (*Response, error) {
	raw, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse maps err onto the wire and returns a failed response.
func NewErrorResponse(id string, err error) *Response {
	return &Response{ID: id, Error: ErrorFrom(err)}
}

// Frame returns the response as a wire frame.
func (r *Response) Frame() *Frame {
	return &Frame{ID: r.ID, Result: r.Result, Error: r.Error}
}

// Err returns the carried error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Decode returns the carried error, or decodes the result into v.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return nil
	}
	return cbor.Unmarshal(r.Result, v)
}

// Encode marshals v, mapping a nil v to CBOR null.
func Encode(v any) (cbor.RawMessage, error) {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(blob), nil
}

// MustEncode is Encode for values that are known to be encodable.
func MustEncode(v any) cbor.RawMessage {
	raw, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// DecodeTuple decodes a CBOR array into the given pointers, in order.
func DecodeTuple(raw cbor.RawMessage, ptrs ...any) error {
	var items []cbor.RawMessage
	if len(raw) != 0 {
		if err := cbor.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	for i, ptr := range ptrs {
		if i >= len(items) {
			break
		}
		if err := cbor.Unmarshal(items[i], ptr); err != nil {
			return fmt.Errorf("%w: param %d: %v", ErrInvalidParams, i, err)
		}
	}
	return nil
}

// IsNull returns true if raw is absent or encodes null/undefined.
func IsNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7))
}
