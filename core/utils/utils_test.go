// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddr(t *testing.T) {
	require := require.New(t)

	require.NoError(EnsureAddrIPPort("127.0.0.1:9050"))
	require.Error(EnsureAddrIPPort("localhost:9050"))
	require.Error(EnsureAddrIPPort("127.0.0.1:0"))
	require.NoError(EnsureAddrHostPort("example.com:443"))
	require.Error(EnsureAddrHostPort(":443"))
	require.Error(EnsureAddrHostPort("example.com"))
}

func TestMkDataDir(t *testing.T) {
	require := require.New(t)

	dir := filepath.Join(t.TempDir(), "data")
	require.False(Exists(dir))
	require.NoError(MkDataDir(dir))
	require.True(Exists(dir))
	require.NoError(MkDataDir(dir))

	require.NoError(os.Chmod(dir, 0755))
	require.Error(MkDataDir(dir))
}
