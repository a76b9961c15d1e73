// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wc implements the relay contracts over a WalletConnect v2 style
// relay: a websocket to an IRN server carrying encrypted JSON-RPC sessions.
package wc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/circuit"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/retry"
	"github.com/brumewallet/brumed/pool"
	"github.com/brumewallet/brumed/relay"
	"github.com/brumewallet/brumed/session"
)

const (
	// DefaultURL is the public relay.
	DefaultURL = "wss://relay.walletconnect.org"

	defaultHandshakeTimeout = 30 * time.Second
)

var errForeignTransport = errors.New("wc: transport was not created by this dialer")

// Config configures a Dialer.
type Config struct {
	URL       string
	ProjectID string

	// Metadata is what peers are shown about the wallet.
	Metadata session.Metadata

	HandshakeTimeout time.Duration
}

// Dialer connects to the relay, through a circuit when a circuit pool is
// set.
type Dialer struct {
	cfg      Config
	circuits *pool.Pool[*circuit.Circuit]
	backend  *log.Backend
	log      *logging.Logger
}

// NewDialer returns a Dialer.  circuits may be nil to dial directly.
func NewDialer(cfg Config, circuits *pool.Pool[*circuit.Circuit], backend *log.Backend) *Dialer {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Dialer{
		cfg:      cfg,
		circuits: circuits,
		backend:  backend,
		log:      backend.GetLogger("relay/wc"),
	}
}

func (d *Dialer) websocketDialer(ctx context.Context) (*websocket.Dialer, error) {
	wd := &websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	if d.circuits == nil {
		return wd, nil
	}
	e, err := d.circuits.Take(ctx, pool.CryptoRandom)
	if err != nil {
		return nil, err
	}
	d.log.Debugf("dialing through %v", e.Value)
	wd.NetDialContext = e.Value.DialContext
	return wd, nil
}

// Dial implements relay.Dialer.
func (d *Dialer) Dial(ctx context.Context, authKey []byte) (relay.Transport, error) {
	token, err := AuthToken(authKey, d.cfg.URL, time.Now())
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("auth", token)
	if d.cfg.ProjectID != "" {
		q.Set("projectId", d.cfg.ProjectID)
	}
	u.RawQuery = q.Encode()

	wd, err := d.websocketDialer(ctx)
	if err != nil {
		return nil, err
	}
	conn, res, err := wd.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("wc: relay handshake: %s: %w", res.Status, err)
		}
		return nil, err
	}
	return newTransport(conn, append([]byte(nil), authKey...), d.backend), nil
}

// NewClient implements relay.Dialer.
func (d *Dialer) NewClient(topic string, key []byte, transport relay.Transport) (relay.Client, error) {
	t, ok := transport.(*Transport)
	if !ok {
		return nil, errForeignTransport
	}
	if len(key) != KeySize {
		return nil, errKeySize
	}
	if topic != Topic(key) {
		return nil, fmt.Errorf("wc: key does not match topic %s", topic)
	}
	return newClient(topic, key, t), nil
}

// NewTransportCreator returns a pool creator of transports dialed by d, each
// authenticated with a fresh key.
func NewTransportCreator(d relay.Dialer) pool.Creator[relay.Transport] {
	return func(ctx context.Context, _ pool.Params) (relay.Transport, error) {
		authKey, err := relay.NewAuthKey()
		if err != nil {
			return nil, retry.Cancel(err)
		}
		t, err := d.Dial(ctx, authKey)
		switch {
		case err == nil:
			return t, nil
		case ctx.Err() != nil, errors.Is(err, pool.ErrHalted):
			return nil, retry.Cancel(err)
		default:
			return nil, retry.Classify(err)
		}
	}
}
