// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wallet holds wallet and seed records, the chain table, and the
// per-wallet ethereum brumes used to reach chain RPC endpoints.
package wallet

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/brumewallet/brumed/storage"
)

var (
	ErrNoSuchWallet   = errors.New("wallet: no such wallet")
	ErrInvalidAddress = errors.New("wallet: invalid address")
)

// Ref points at a wallet record.
type Ref struct {
	UUID string `cbor:"uuid"`
}

// Wallet is an ethereum wallet record, kept in the user's sealed storage.
type Wallet struct {
	UUID  string `cbor:"uuid"`
	Name  string `cbor:"name"`
	Color int    `cbor:"color"`
	Emoji string `cbor:"emoji,omitempty"`

	Coin    string `cbor:"coin"`
	Type    string `cbor:"type"`
	Address string `cbor:"address"`

	PrivateKey string `cbor:"privateKey,omitempty"`
	Seed       *Ref   `cbor:"seed,omitempty"`
	Path       string `cbor:"path,omitempty"`
}

// Wallet types.
const (
	TypePrivateKey = "privateKey"
	TypeSeeded     = "seeded"
	TypeReadonly   = "readonly"
)

// Seed is a seed record.  Mnemonics are stored encrypted by the foreground.
type Seed struct {
	UUID  string `cbor:"uuid"`
	Name  string `cbor:"name"`
	Color int    `cbor:"color"`
	Emoji string `cbor:"emoji,omitempty"`

	Type     string `cbor:"type"`
	Mnemonic []byte `cbor:"mnemonic,omitempty"`
}

// IsAddress returns true for a 0x prefixed 20 byte hex address.
func IsAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// SameAddress compares two addresses, ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Load returns a wallet record.
func Load(store storage.Store, id string) (*Wallet, error) {
	w := new(Wallet)
	err := storage.GetCBOR(store, storage.WalletKey(id), w)
	if storage.IsNotFound(err) {
		return nil, ErrNoSuchWallet
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// LoadAll resolves refs in order.
func LoadAll(store storage.Store, refs []Ref) ([]*Wallet, error) {
	wallets := make([]*Wallet, 0, len(refs))
	for _, ref := range refs {
		w, err := Load(store, ref.UUID)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// List returns the wallets list of the user.
func List(store storage.Store) ([]Ref, error) {
	var refs []Ref
	err := storage.GetCBOR(store, storage.WalletsKey, &refs)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	return refs, err
}

// Create stores w and appends it to the wallets list.  Callers serialize
// creations.
func Create(store storage.Store, w *Wallet) error {
	if w.UUID == "" {
		w.UUID = uuid.NewString()
	}
	if w.Coin == "" {
		w.Coin = "ethereum"
	}
	if w.Type == "" {
		w.Type = TypePrivateKey
	}
	if !IsAddress(w.Address) {
		return ErrInvalidAddress
	}

	refs, err := List(store)
	if err != nil {
		return err
	}
	if err := storage.PutCBOR(store, storage.WalletKey(w.UUID), w); err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.UUID == w.UUID {
			return nil
		}
	}
	return storage.PutCBOR(store, storage.WalletsKey, append(refs, Ref{UUID: w.UUID}))
}

// CreateSeed stores s and appends it to the seeds list.
func CreateSeed(store storage.Store, s *Seed) error {
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	var refs []Ref
	if err := storage.GetCBOR(store, storage.SeedsKey, &refs); err != nil && !storage.IsNotFound(err) {
		return err
	}
	if err := storage.PutCBOR(store, storage.SeedKey(s.UUID), s); err != nil {
		return err
	}
	return storage.PutCBOR(store, storage.SeedsKey, append(refs, Ref{UUID: s.UUID}))
}
