// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit creates isolated upstream circuits for the circuit pool.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/retry"
	"github.com/brumewallet/brumed/internal/proxy"
	"github.com/brumewallet/brumed/pool"
)

var (
	// ErrNoProxyConfig is a structural failure of the creator.
	ErrNoProxyConfig = errors.New("circuit: no upstream proxy configuration")

	// ErrClosed is returned by the dials of a closed circuit.
	ErrClosed = errors.New("circuit: closed")
)

// MaxDialFailures is the number of consecutive failed dials after which a
// circuit is considered dead and closes itself.
const MaxDialFailures = 3

// Circuit is one isolated path to the network.  With a Tor upstream every
// circuit dials through its own Tor circuit.
type Circuit struct {
	ID  string
	Tag string

	dial      proxy.DialContextFn
	transport *http.Transport
	client    *http.Client

	mu       sync.Mutex
	failures int
	closed   bool
	onClose  event.Topic[struct{}]
}

// New returns a circuit dialing through cfg with the isolation tag.
func New(cfg *proxy.Config, tag string) *Circuit {
	c := &Circuit{
		ID:   uuid.NewString(),
		Tag:  tag,
		dial: cfg.ToDialContext(tag),
	}
	c.transport = &http.Transport{
		DialContext:         c.DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	c.client = &http.Client{Transport: c.transport}
	return c
}

// DialContext dials address through the circuit.  Failures not caused by
// ctx count towards MaxDialFailures.
func (c *Circuit) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if c.Closed() {
		return nil, ErrClosed
	}
	conn, err := c.dial(ctx, network, address)
	switch {
	case err == nil:
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
	case ctx.Err() == nil:
		c.mu.Lock()
		c.failures++
		dead := c.failures >= MaxDialFailures
		c.mu.Unlock()
		if dead {
			c.Close()
		}
	}
	return conn, err
}

// HTTPClient returns an http.Client whose connections use the circuit.
func (c *Circuit) HTTPClient() *http.Client {
	return c.client
}

// CloseIdle drops the idle connections of the circuit.
func (c *Circuit) CloseIdle() {
	c.transport.CloseIdleConnections()
}

// Close drops the idle connections and makes every later dial fail.  The
// OnClose subscribers run once.
func (c *Circuit) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.CloseIdleConnections()
	c.onClose.Publish(struct{}{})
}

// Closed returns true once the circuit is closed.
func (c *Circuit) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnClose observes the closing of the circuit.
func (c *Circuit) OnClose(fn func()) *event.Subscription {
	return c.onClose.Subscribe(func(struct{}) { fn() })
}

// Watch reports the death of c to a pool.
func Watch(c *Circuit, dead func()) func() {
	if c.Closed() {
		dead()
		return nil
	}
	return c.OnClose(dead).Close
}

func (c *Circuit) String() string {
	return fmt.Sprintf("circuit %s", c.ID)
}

// NewCreator returns a pool creator.  Every attempt uses a fresh isolation
// tag, so a retry runs over a different upstream circuit, and probes
// probeAddr (host:port) before the circuit is handed out.  An empty
// probeAddr skips the probe.
func NewCreator(cfg *proxy.Config, probeAddr string, timeout time.Duration) pool.Creator[*Circuit] {
	return func(ctx context.Context, p pool.Params) (*Circuit, error) {
		if cfg == nil {
			return nil, retry.Cancel(ErrNoProxyConfig)
		}

		c := New(cfg, uuid.NewString())
		if probeAddr == "" {
			return c, nil
		}

		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := c.DialContext(dialCtx, "tcp", probeAddr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Cancel(ctx.Err())
			}
			return nil, retry.Retry(fmt.Errorf("circuit: probe of %v failed: %w", probeAddr, err))
		}
		conn.Close()
		return c, nil
	}
}
