// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel provides named, bidirectional request/response
// endpoints and the registry that correlates out-of-band responses with
// the requests awaiting them.
package channel

import (
	"context"

	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/rpc"
)

// Port is one endpoint to a script, a foreground page, a popup or the host.
type Port interface {
	// Name is stable for the lifetime of the endpoint.
	Name() string

	// Request sends a method call and waits for its response.
	Request(ctx context.Context, method string, params any) (*rpc.Response, error)

	// Notify sends a method call without waiting for the response.
	Notify(ctx context.Context, method string, params any) error

	// OnClose registers fn to run once when the endpoint closes.  If the
	// endpoint is already closed fn runs immediately.
	OnClose(fn func()) *event.Subscription

	Close() error
	Closed() bool
}

// Handler serves the requests received on a Port.
type Handler interface {
	HandleRequest(ctx context.Context, port Port, req *rpc.Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, port Port, req *rpc.Request) (any, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, port Port, req *rpc.Request) (any, error) {
	return f(ctx, port, req)
}

// NopHandler answers every request with ErrMethodNotFound.
var NopHandler = HandlerFunc(func(_ context.Context, _ Port, req *rpc.Request) (any, error) {
	return nil, rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", req.Method)
})
