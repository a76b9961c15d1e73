// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package popup keeps at most one approval popup window open and waits for
// it to announce itself.
package popup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/rpc"
)

const (
	Width  = 400
	Height = 630

	// DefaultHelloTimeout bounds the wait for a new popup to say hello.
	DefaultHelloTimeout = 60 * time.Second
)

// ErrHelloTimeout is returned when a created popup never said hello.
var ErrHelloTimeout = errors.New("popup: hello timeout")

// Point is a screen position, usually the mouse position of the click
// that triggered a request.
type Point struct {
	X int `cbor:"x"`
	Y int `cbor:"y"`
}

// Geometry is the placement of a popup window.
type Geometry struct {
	Top    int `cbor:"top"`
	Left   int `cbor:"left"`
	Width  int `cbor:"width"`
	Height int `cbor:"height"`
}

// GeometryFor centers a popup on anchor, keeping it on screen.
func GeometryFor(anchor Point) Geometry {
	return Geometry{
		Top:    max(anchor.Y-Height/2, 0),
		Left:   max(anchor.X-Width/2, 0),
		Width:  Width,
		Height: Height,
	}
}

// Window identifies a browser window and its single tab.
type Window struct {
	ID    int `cbor:"id"`
	TabID int `cbor:"tabId"`
}

// WindowManager is the host side of window handling.
type WindowManager interface {
	Create(ctx context.Context, url string, g Geometry) (Window, error)
	Navigate(ctx context.Context, w Window, url string) error
	Focus(ctx context.Context, w Window) error
}

// Handle is the live popup.  Pending requests shown in the popup are
// owned by the handle and rejected when its window goes away.
type Handle struct {
	Window Window

	mu   sync.Mutex
	port channel.Port
}

// Port returns the channel of the popup page.
func (h *Handle) Port() channel.Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port
}

func (h *Handle) setPort(port channel.Port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.port = port
}

// pending is a created popup window that did not say hello yet.  It
// outlives the callers that gave up waiting for it, so a late hello still
// makes it the live popup.
type pending struct {
	window  Window
	created bool

	// port and removed record a hello and window removals reported while
	// the window was still being created.
	port    channel.Port
	removed []int

	done   chan struct{}
	handle *Handle
	err    error
}

// Broker owns the popup singleton.
type Broker struct {
	// slot is held for the whole check-create-wait sequence, so concurrent
	// callers never both decide that no popup exists.
	slot sync.Mutex

	// mu guards current and pending, which hello and window removal
	// update while slot is held.
	mu      sync.Mutex
	current *Handle
	pending *pending

	wm       WindowManager
	registry *channel.Registry
	log      *logging.Logger

	page         string
	helloTimeout time.Duration

	removed event.Topic[Window]
}

// NewBroker returns a Broker opening page (e.g. "popup.html") through wm.
// Removal of the popup window rejects the requests it owns in registry.
func NewBroker(wm WindowManager, registry *channel.Registry, page string, helloTimeout time.Duration, backend *log.Backend) *Broker {
	if helloTimeout <= 0 {
		helloTimeout = DefaultHelloTimeout
	}
	return &Broker{
		wm:           wm,
		registry:     registry,
		log:          backend.GetLogger("popup"),
		page:         page,
		helloTimeout: helloTimeout,
	}
}

// URL returns the popup URL for an in-app path.
func (b *Broker) URL(path string) string {
	return b.page + "#" + path
}

// Current returns the live popup, if any.
func (b *Broker) Current() *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// OnRemoved observes the removal of popup windows.
func (b *Broker) OnRemoved(fn func(Window)) *event.Subscription {
	return b.removed.Subscribe(fn)
}

// OpenOrFocus returns the live popup, focusing it and, when force is set,
// navigating it to path.  Without a live popup it creates one centered on
// anchor, or reuses the window still loading for an earlier caller, and
// waits until it says hello, its window is removed, the hello timeout
// elapses or ctx is done.  The returned handle is never nil.
func (b *Broker) OpenOrFocus(ctx context.Context, path string, anchor Point, force bool) (*Handle, error) {
	b.slot.Lock()
	defer b.slot.Unlock()

	b.mu.Lock()
	h, p := b.current, b.pending
	b.mu.Unlock()

	switch {
	case h != nil:
		if err := b.focus(ctx, h.Window, path, force); err != nil {
			return nil, err
		}
		return h, nil
	case p != nil:
		b.log.Debugf("Popup window %d is still loading", p.window.ID)
		if err := b.focus(ctx, p.window, path, force); err != nil {
			return nil, err
		}
	default:
		var err error
		if p, err = b.create(ctx, path, anchor); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(b.helloTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		return nil, ErrHelloTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if b.current != p.handle {
		// Removed between its hello and now.
		return nil, rpc.ErrClosed
	}
	return p.handle, nil
}

func (b *Broker) focus(ctx context.Context, w Window, path string, force bool) error {
	if force {
		if err := b.wm.Navigate(ctx, w, b.URL(path)); err != nil {
			return fmt.Errorf("popup: navigate: %w", err)
		}
	}
	if err := b.wm.Focus(ctx, w); err != nil {
		return fmt.Errorf("popup: focus: %w", err)
	}
	return nil
}

// create opens a new window.  It becomes pending before the host is asked,
// since the page may say hello before Create returns.
func (b *Broker) create(ctx context.Context, path string, anchor Point) (*pending, error) {
	p := &pending{done: make(chan struct{})}
	b.mu.Lock()
	b.pending = p
	b.mu.Unlock()

	w, err := b.wm.Create(ctx, b.URL(path), GeometryFor(anchor))

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("popup: create: %w", err)
		b.settleLocked(p, nil, err)
		return nil, err
	}
	b.log.Debugf("Created popup window %d for %s", w.ID, path)

	p.window, p.created = w, true
	switch {
	case slices.Contains(p.removed, w.ID):
		b.settleLocked(p, nil, rpc.ErrClosed)
	case p.port != nil:
		b.adoptLocked(p, p.port)
	}
	return p, nil
}

func (b *Broker) adoptLocked(p *pending, port channel.Port) {
	h := &Handle{Window: p.window, port: port}
	b.current = h
	b.settleLocked(p, h, nil)
	b.log.Debugf("Popup window %d said hello on %s", h.Window.ID, port.Name())
}

func (b *Broker) settleLocked(p *pending, h *Handle, err error) {
	p.handle, p.err = h, err
	close(p.done)
	if b.pending == p {
		b.pending = nil
	}
}

// Hello is called when a popup page announces itself on port.
func (b *Broker) Hello(port channel.Port) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch p := b.pending; {
	case p != nil && !p.created:
		p.port = port
	case p != nil:
		b.adoptLocked(p, port)
	case b.current != nil:
		// The popup page reloaded.
		b.current.setPort(port)
	default:
		b.log.Warningf("Unexpected popup hello on %s", port.Name())
	}
}

// WindowRemoved is called when the host reports a closed window.
func (b *Broker) WindowRemoved(id int) {
	b.mu.Lock()
	switch p := b.pending; {
	case p != nil && !p.created:
		p.removed = append(p.removed, id)
	case p != nil && p.window.ID == id:
		b.settleLocked(p, nil, rpc.ErrClosed)
	}
	h := b.current
	if h == nil || h.Window.ID != id {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.mu.Unlock()

	if n := b.registry.CloseOwner(h, rpc.ErrClosed); n > 0 {
		b.log.Debugf("Popup window %d closed with %d pending request(s)", id, n)
	}
	b.removed.Publish(h.Window)
}

// Request shows the request id at path in the popup and waits for its
// response.  The pending slot is owned by the popup, so closing the window
// rejects it with rpc.ErrClosed, which callers tell apart from
// rpc.ErrUserRejected.
func (b *Broker) Request(ctx context.Context, id, path string, anchor Point, force bool) (*rpc.Response, error) {
	p, err := b.registry.Register(id, nil)
	if err != nil {
		return nil, err
	}

	h, err := b.OpenOrFocus(ctx, path, anchor, force)
	if err != nil {
		b.registry.Reject(id, err)
		return nil, err
	}
	b.registry.Own(id, h)
	if b.Current() != h {
		// Removed before the slot was owned.
		b.registry.Reject(id, rpc.ErrClosed)
	}
	return p.Wait(ctx)
}
