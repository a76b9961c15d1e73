// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/worker"
	"github.com/brumewallet/brumed/rpc"
)

const (
	framePrefixLen = 4

	// MaxFrameSize bounds a single frame.
	MaxFrameSize = 16 << 20
)

var errFrameTooLarge = errors.New("channel: frame too large")

// Conn is a Port over a stream connection.  Frames are CBOR encoded and
// carry a 4 byte big endian length prefix.
type Conn struct {
	worker.Worker

	name     string
	conn     net.Conn
	handler  Handler
	registry *Registry
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeLock sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	onClose   event.Topic[struct{}]
}

// NewConn wraps conn.  Responses to outbound requests are correlated
// through registry, which may be shared with other ports.  Call Start to
// begin reading.
func NewConn(name string, conn net.Conn, handler Handler, registry *Registry, backend *log.Backend) *Conn {
	if handler == nil {
		handler = NopHandler
	}
	c := &Conn{
		name:     name,
		conn:     conn,
		handler:  handler,
		registry: registry,
		log:      backend.GetLogger("channel/" + name),
	}
	c.ctx, c.cancel = c.HaltContext(context.Background())
	return c
}

// Start launches the reader.
func (c *Conn) Start() {
	c.Go(c.reader)
}

// Name implements Port.
func (c *Conn) Name() string {
	return c.name
}

// Closed implements Port.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// OnClose implements Port.
func (c *Conn) OnClose(fn func()) *event.Subscription {
	var once sync.Once
	sub := c.onClose.Subscribe(func(struct{}) { once.Do(fn) })
	if c.Closed() {
		sub.Close()
		once.Do(fn)
	}
	return sub
}

// Close implements Port.  Every request still waiting for this conn is
// rejected with rpc.ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.conn.Close()
		if n := c.registry.CloseOwner(c, rpc.ErrClosed); n > 0 {
			c.log.Debugf("Rejected %d pending request(s) on close", n)
		}
		c.onClose.Publish(struct{}{})
		go c.Halt()
	})
	return err
}

// Request implements Port.
func (c *Conn) Request(ctx context.Context, method string, params any) (*rpc.Response, error) {
	req, err := rpc.NewRequest(NewID(), method, params)
	if err != nil {
		return nil, err
	}
	p, err := c.registry.Register(req.ID, c)
	if err != nil {
		return nil, err
	}
	if c.Closed() {
		c.registry.Reject(req.ID, rpc.ErrClosed)
	} else if err := c.writeFrame(req.Frame()); err != nil {
		c.registry.Reject(req.ID, err)
	}
	return p.Wait(ctx)
}

// Notify implements Port.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.Closed() {
		return rpc.ErrClosed
	}
	req, err := rpc.NewRequest(NewID(), method, params)
	if err != nil {
		return err
	}
	return c.writeFrame(req.Frame())
}

func (c *Conn) writeFrame(f *rpc.Frame) error {
	blob, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	if len(blob) > MaxFrameSize {
		return errFrameTooLarge
	}

	toSend := make([]byte, framePrefixLen, framePrefixLen+len(blob))
	binary.BigEndian.PutUint32(toSend, uint32(len(blob)))
	toSend = append(toSend, blob...)

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	count, err := c.conn.Write(toSend)
	if err != nil {
		return err
	}
	if count != len(toSend) {
		return fmt.Errorf("channel: short write: %d != %d", count, len(toSend))
	}
	return nil
}

func (c *Conn) readFrame() (*rpc.Frame, error) {
	prefix := make([]byte, framePrefixLen)
	if _, err := io.ReadFull(c.conn, prefix); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(prefix)
	if frameLen > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	blob := make([]byte, frameLen)
	if _, err := io.ReadFull(c.conn, blob); err != nil {
		return nil, err
	}

	f := new(rpc.Frame)
	if err := cbor.Unmarshal(blob, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Conn) reader() {
	defer c.Close()

	for {
		f, err := c.readFrame()
		if err != nil {
			if !c.Closed() && !errors.Is(err, io.EOF) {
				c.log.Errorf("Failed to read frame: %v", err)
			}
			return
		}

		if f.IsRequest() {
			go c.serve(f.Request())
			continue
		}

		if !c.registry.ResolveFrom(f.ID, c, f.Response()) {
			c.log.Debugf("Dropping response for unknown request %v", f.ID)
		}
	}
}

func (c *Conn) serve(req *rpc.Request) {
	var res *rpc.Response

	v, err := c.handler.HandleRequest(c.ctx, c, req)
	if err == nil {
		res, err = rpc.NewResponse(req.ID, v)
	}
	if err != nil {
		c.log.Debugf("%s failed: %v", req.Method, err)
		res = rpc.NewErrorResponse(req.ID, err)
	}

	if c.Closed() {
		return
	}
	if err := c.writeFrame(res.Frame()); err != nil {
		c.log.Errorf("Failed to write response to %s: %v", req.Method, err)
	}
}

// Pipe returns two connected, started Conns, which is convenient for
// in-process peers.
func Pipe(nameA string, handlerA Handler, nameB string, handlerB Handler, registry *Registry, backend *log.Backend) (*Conn, *Conn) {
	a, b := net.Pipe()
	ca := NewConn(nameA, a, handlerA, registry, backend)
	cb := NewConn(nameB, b, handlerB, registry, backend)
	ca.Start()
	cb.Start()
	return ca, cb
}

var _ Port = (*Conn)(nil)
