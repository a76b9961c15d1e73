// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of symmetric session keys and X25519 keys.
const KeySize = 32

const envelopeType0 = 0

var (
	errEnvelopeType  = errors.New("wc: unsupported envelope type")
	errEnvelopeShort = errors.New("wc: envelope too short")
	errKeySize       = errors.New("wc: bad key size")
)

// Topic derives the topic of a symmetric key.
func Topic(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// Seal encrypts plaintext into a base64 type 0 envelope.
func Seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	buf[0] = envelopeType0
	if _, err = io.ReadFull(rand.Reader, buf[1:]); err != nil {
		return "", err
	}
	buf = aead.Seal(buf, buf[1:], plaintext, nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts a base64 type 0 envelope.
func Open(key []byte, message string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	buf, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, err
	}
	if len(buf) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, errEnvelopeShort
	}
	if buf[0] != envelopeType0 {
		return nil, errEnvelopeType
	}
	nonce := buf[1 : 1+aead.NonceSize()]
	return aead.Open(nil, nonce, buf[1+aead.NonceSize():], nil)
}

// KeyPair is an X25519 key pair used to agree on a session key.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// NewKeyPair generates a fresh X25519 key pair.
func NewKeyPair() (*KeyPair, error) {
	kp := new(KeyPair)
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SessionKey derives the symmetric session key shared with peer.
func (kp *KeyPair) SessionKey(peer []byte) ([]byte, error) {
	if len(peer) != KeySize {
		return nil, errKeySize
	}
	shared, err := curve25519.X25519(kp.Private[:], peer)
	if err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, err
	}
	return key, nil
}
