// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/brumewallet/brumed/core/event"
)

// SealedKeySize is the size of the key a Sealed store is opened with.
const SealedKeySize = 32

// ErrSealedKey is returned for a key of the wrong size.
var ErrSealedKey = errors.New("storage: invalid sealed store key")

// Sealed is an encrypted view over another Store.  Key names are replaced
// by a keyed BLAKE2b hash under namespace, and values are sealed with
// XChaCha20-Poly1305, bound to the hashed key name.
type Sealed struct {
	notifier

	inner     Store
	namespace string
	macKey    []byte
	aead      cipher.AEAD
}

// NewSealed returns a sealed view over inner.  Distinct namespaces over the
// same inner store never see each other's entries.
func NewSealed(inner Store, namespace string, key []byte) (*Sealed, error) {
	if len(key) != SealedKeySize {
		return nil, ErrSealedKey
	}

	macKey := blake2b.Sum256(append([]byte("brumed sealed names\x00"), key...))
	encKey := blake2b.Sum256(append([]byte("brumed sealed values\x00"), key...))
	aead, err := chacha20poly1305.NewX(encKey[:])
	if err != nil {
		return nil, err
	}

	return &Sealed{
		inner:     inner,
		namespace: namespace,
		macKey:    macKey[:],
		aead:      aead,
	}, nil
}

func (s *Sealed) innerKey(key string) string {
	h, err := blake2b.New256(s.macKey)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(key))
	return s.namespace + "/" + hex.EncodeToString(h.Sum(nil))
}

// Seal encrypts plaintext bound to ad.
func (s *Sealed) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open decrypts a value produced by Seal with the same ad.
func (s *Sealed) Open(sealed, ad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("storage: sealed value too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], ad)
}

func (s *Sealed) Get(key string) ([]byte, error) {
	ik := s.innerKey(key)
	raw, err := s.inner.Get(ik)
	if err != nil {
		return nil, err
	}
	v, err := s.Open(raw, []byte(ik))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open %v: %w", key, err)
	}
	return v, nil
}

func (s *Sealed) Set(key string, value []byte) error {
	ik := s.innerKey(key)
	raw, err := s.Seal(value, []byte(ik))
	if err != nil {
		return err
	}
	if err := s.inner.Set(ik, raw); err != nil {
		return err
	}
	s.set(key, value)
	return nil
}

func (s *Sealed) Delete(key string) error {
	ik := s.innerKey(key)
	if _, err := s.inner.Get(ik); IsNotFound(err) {
		return nil
	}
	if err := s.inner.Delete(ik); err != nil {
		return err
	}
	s.delete(key)
	return nil
}

func (s *Sealed) Subscribe(key string, fn func(Change)) *event.Subscription {
	return s.subscribe(key, fn)
}

// Close does not close the inner store, which outlives the view.
func (s *Sealed) Close() error {
	return nil
}

var _ Store = (*Sealed)(nil)
