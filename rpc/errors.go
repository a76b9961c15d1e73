// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package rpc

import (
	"context"
	"errors"
	"fmt"
)

// Wire error codes.
const (
	CodeUserRejected   = 4001
	CodeUnauthorized   = 4100
	CodeClosed         = 4900
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

// Error is the error member of a response frame.
type Error struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is lets errors.Is match any two errors with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrUnauthorized is returned when a method needs a session and the
	// channel has none.
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "unauthorized"}

	// ErrUserRejected is returned when the user denied an approval.
	ErrUserRejected = &Error{Code: CodeUserRejected, Message: "user rejected the request"}

	// ErrClosed is returned when the window or channel a request was waiting
	// on went away.  It is distinct from ErrUserRejected.
	ErrClosed = &Error{Code: CodeClosed, Message: "closed"}

	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "invalid params"}
)

// ErrorFrom maps a Go error onto the wire.  Errors wrapping one of the
// sentinels keep its code and carry their full message.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e == err {
			return e
		}
		return &Error{Code: e.Code, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeClosed, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Errorf returns a new error with the code of base.
func Errorf(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}
