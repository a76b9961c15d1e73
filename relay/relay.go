// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay keeps relay sessions alive: it pairs new ones, reconnects
// persisted ones at login and routes their inbound requests to the wallet.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
)

var (
	// ErrSettlementRejected is returned when the peer refused the settle
	// request of a pairing.
	ErrSettlementRejected = errors.New("relay: settlement rejected")

	// ErrNoWallet is returned for a relay session without a wallet.
	ErrNoWallet = errors.New("relay: session has no wallet")

	// ErrNotRelay is returned when the session is not a relay session.
	ErrNotRelay = errors.New("relay: not a relay session")
)

// State is the lifecycle state of a relay session.
type State int

const (
	Absent State = iota
	Reconnecting
	Active
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Reconnecting:
		return "reconnecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Transport is an authenticated connection to the relay server.  One
// transport may carry several topics.
type Transport interface {
	// AuthKey returns the binary ed25519 private key the transport
	// authenticated with.
	AuthKey() []byte

	Subscribe(ctx context.Context, topic string) error
	OnClose(fn func()) *event.Subscription
	OnError(fn func(error)) *event.Subscription
	Close() error
}

// WatchTransport calls dead once t closed or failed, for pools that must
// replace dead transports.  The returned function stops watching.
func WatchTransport(t Transport, dead func()) func() {
	var once sync.Once
	report := func() { once.Do(dead) }
	closeSub := t.OnClose(report)
	errSub := t.OnError(func(error) { report() })
	return func() {
		closeSub.Close()
		errSub.Close()
	}
}

// RequestHandler serves a request received on a session topic.
type RequestHandler func(ctx context.Context, req *rpc.Request) (any, error)

// Client is the encrypted session on one topic.
type Client interface {
	Topic() string
	Key() []byte
	Transport() Transport

	// Wait blocks until the peer answered the request identified by
	// receipt and returns its boolean result.
	Wait(ctx context.Context, receipt session.Receipt) (bool, error)

	// OnRequest sets the handler for inbound requests.  Closing the
	// subscription removes it.
	OnRequest(fn RequestHandler) *event.Subscription

	// Close tells the peer the session is over.  It does not close the
	// transport.
	Close(ctx context.Context) error
}

// Dialer creates transports and clients.
type Dialer interface {
	// Dial connects to the relay authenticated with authKey.
	Dial(ctx context.Context, authKey []byte) (Transport, error)

	// NewClient restores the client of an established session.
	NewClient(topic string, key []byte, transport Transport) (Client, error)

	// Pair answers the pairing proposal in uri for account.  The receipt
	// identifies the settle request the peer still has to acknowledge.
	Pair(ctx context.Context, transport Transport, uri, account string) (Client, session.Metadata, session.Receipt, error)
}

// NewAuthKey generates a binary ed25519 relay authentication key.
func NewAuthKey() ([]byte, error) {
	sk, _, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), sk.Bytes()...), nil
}

// ParseAuthKey loads a key produced by NewAuthKey.
func ParseAuthKey(b []byte) (*ed25519.PrivateKey, error) {
	sk := ed25519.NewEmptyPrivateKey()
	if err := sk.FromBytes(b); err != nil {
		return nil, err
	}
	return sk, nil
}
