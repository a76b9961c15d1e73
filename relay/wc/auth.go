// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/katzenpost/hpqc/rand"
	"github.com/mr-tron/base58"

	"github.com/brumewallet/brumed/relay"
)

// Multicodec prefix of an ed25519 public key.
var ed25519Multicodec = []byte{0xed, 0x01}

const authTTL = 24 * time.Hour

// DIDKey returns the did:key identifier of an ed25519 public key.
func DIDKey(pub []byte) string {
	return "did:key:z" + base58.Encode(append(append([]byte(nil), ed25519Multicodec...), pub...))
}

// AuthToken signs the relay authentication token for audience.
func AuthToken(authKey []byte, audience string, now time.Time) (string, error) {
	sk, err := relay.ParseAuthKey(authKey)
	if err != nil {
		return "", err
	}
	var sub [32]byte
	if _, err = io.ReadFull(rand.Reader, sub[:]); err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Issuer:    DIDKey(sk.PublicKey().Bytes()),
		Subject:   hex.EncodeToString(sub[:]),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(authTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(ed25519.PrivateKey(*sk.InternalPtr()))
}
