// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package user

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brumewallet/brumed/storage"
)

var testKDF = KDF{Time: 1, Memory: 1024, Threads: 1}

func TestCreateAndUnlock(t *testing.T) {
	require := require.New(t)

	global := storage.NewMemory()
	d := NewDirectory(global, testKDF)

	u, err := d.Create(&Init{Name: "alice", Password: "hunter2"})
	require.NoError(err)
	require.NotEmpty(u.UUID)

	_, err = d.Create(&Init{UUID: u.UUID, Name: "alice", Password: "x"})
	require.ErrorIs(err, ErrExists)

	refs, err := d.List()
	require.NoError(err)
	require.Equal([]Ref{{UUID: u.UUID}}, refs)

	_, err = d.Unlock(u.UUID, "wrong")
	require.ErrorIs(err, ErrBadPassword)
	_, err = d.Unlock("nobody", "hunter2")
	require.ErrorIs(err, ErrNoSuchUser)

	s, err := d.Unlock(u.UUID, "hunter2")
	require.NoError(err)
	require.Equal("alice", s.User.Name)

	require.NoError(s.Storage.Set(storage.WalletsKey, []byte("w")))
	again, err := d.Unlock(u.UUID, "hunter2")
	require.NoError(err)
	v, err := again.Storage.Get(storage.WalletsKey)
	require.NoError(err)
	require.Equal([]byte("w"), v)

	ct, err := s.Encrypt([]byte("seed words"))
	require.NoError(err)
	pt, err := again.Decrypt(ct)
	require.NoError(err)
	require.Equal([]byte("seed words"), pt)
}
