// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	require := require.New(t)

	var changes []Change
	sub := s.Subscribe(SessionKey("a"), func(c Change) { changes = append(changes, c) })
	all := 0
	subAll := s.Subscribe("", func(Change) { all++ })

	_, err := s.Get(SessionKey("a"))
	require.True(IsNotFound(err))

	require.NoError(s.Set(SessionKey("a"), []byte("one")))
	require.NoError(s.Set(SessionKey("b"), []byte("two")))
	v, err := s.Get(SessionKey("a"))
	require.NoError(err)
	require.Equal([]byte("one"), v)

	require.NoError(s.Delete(SessionKey("a")))
	require.NoError(s.Delete(SessionKey("a")))
	_, err = s.Get(SessionKey("a"))
	require.ErrorIs(err, ErrNotFound)

	require.Len(changes, 2)
	require.Equal([]byte("one"), changes[0].Value)
	require.True(changes[1].Deleted)
	require.Equal(3, all)

	sub.Close()
	subAll.Close()
	require.NoError(s.Set(SessionKey("a"), []byte("three")))
	require.Len(changes, 2)

	type record struct {
		Origin string `cbor:"origin"`
		Chain  int    `cbor:"chainId"`
	}
	require.NoError(PutCBOR(s, SessionByOriginKey("https://app.example"), &record{Origin: "https://app.example", Chain: 10}))
	var r record
	require.NoError(GetCBOR(s, SessionByOriginKey("https://app.example"), &r))
	require.Equal(10, r.Chain)
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)
	require.NoError(t, s.Close())
	_, err := s.Get("x")
	require.ErrorIs(t, err, ErrClosed)
}

func TestBolt(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "brumed.db")
	s, err := NewBolt(f)
	require.NoError(err)
	exerciseStore(t, s)
	require.NoError(s.Close())

	// Reopen.
	s, err = NewBolt(f)
	require.NoError(err)
	defer s.Close()
	v, err := s.Get(SessionKey("b"))
	require.NoError(err)
	require.Equal([]byte("two"), v)
}

func TestSealed(t *testing.T) {
	require := require.New(t)

	inner := NewMemory()
	key := bytes.Repeat([]byte{7}, SealedKeySize)
	s, err := NewSealed(inner, "u/alice", key)
	require.NoError(err)
	exerciseStore(t, s)

	// Names and values are not visible in the inner store.
	_, err = inner.Get(SessionKey("b"))
	require.True(IsNotFound(err))
	raw, err := inner.Get(s.innerKey(SessionKey("b")))
	require.NoError(err)
	require.False(bytes.Contains(raw, []byte("two")))

	// A different key cannot open the values.
	other, err := NewSealed(inner, "u/alice", bytes.Repeat([]byte{8}, SealedKeySize))
	require.NoError(err)
	require.NoError(inner.Set(other.innerKey("x"), raw))
	_, err = other.Get("x")
	require.Error(err)

	_, err = NewSealed(inner, "u/bob", []byte("short"))
	require.ErrorIs(err, ErrSealedKey)
}
