// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session models approved sessions and binds them to the script
// channels that use them.
package session

import (
	"errors"

	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/wallet"
)

var (
	// ErrNoSuchSession is returned for an unknown session id.
	ErrNoSuchSession = errors.New("session: no such session")

	// ErrLocked is returned while no user is unlocked.
	ErrLocked = rpc.Errorf(rpc.ErrUnauthorized, "session: no user unlocked")
)

// Kind tells extension sessions from relay sessions.
type Kind string

const (
	KindExtension Kind = "ex"
	KindRelay     Kind = "wc"
)

// Session binds an origin to approved wallets and a chain.
type Session struct {
	Kind    Kind         `cbor:"type"`
	ID      string       `cbor:"id"`
	Origin  string       `cbor:"origin"`
	Persist bool         `cbor:"persist"`
	Wallets []wallet.Ref `cbor:"wallets"`
	ChainID int64        `cbor:"chainId"`

	Relay *RelayData `cbor:"relay,omitempty"`
}

// Active returns the active account, which is the first wallet.  Single
// account methods only ever see this wallet.
func (s *Session) Active() (wallet.Ref, bool) {
	if len(s.Wallets) == 0 {
		return wallet.Ref{}, false
	}
	return s.Wallets[0], true
}

// Metadata describes the peer of a relay session.
type Metadata struct {
	Name        string   `cbor:"name" json:"name"`
	Description string   `cbor:"description" json:"description"`
	URL         string   `cbor:"url" json:"url"`
	Icons       []string `cbor:"icons" json:"icons"`
}

// Receipt identifies the pending settlement of a pairing: the id of the
// settle request published on the session topic.
type Receipt struct {
	ID    int64  `cbor:"id"`
	Topic string `cbor:"topic"`
}

// RelayData is the persisted state of a relay session.  Settlement is only
// set until the peer acknowledges the settle request.
type RelayData struct {
	Topic      string   `cbor:"topic"`
	SessionKey []byte   `cbor:"sessionKey"`
	AuthKey    []byte   `cbor:"authKey"`
	Metadata   Metadata `cbor:"metadata"`
	Settlement *Receipt `cbor:"settlement,omitempty"`
}

// Origin is what a script reports about its page.
type Origin struct {
	Origin      string `cbor:"origin"`
	Title       string `cbor:"title,omitempty"`
	Description string `cbor:"description,omitempty"`
	Icon        string `cbor:"icon,omitempty"`
}

// Status is the transient state of a session that has live subscribers.
type Status struct {
	ID    string `cbor:"id"`
	Error string `cbor:"error,omitempty"`
}
