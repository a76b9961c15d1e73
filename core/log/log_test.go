// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	lvl, err := ParseLevel("debug")
	require.NoError(err)
	require.Equal(logging.DEBUG, lvl)

	_, err = ParseLevel("LOUD")
	require.Error(err)
}

func TestBackendWritesToFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "brumed.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("session")
	l.Debug("hidden")
	l.Info("visible")

	w := b.Writer("pool/circuits", "NOTICE")
	_, err = w.Write([]byte("from a writer\n"))
	require.NoError(err)

	require.NoError(b.Rotate())

	raw, err := os.ReadFile(f)
	require.NoError(err)
	out := string(raw)
	require.True(strings.Contains(out, "session: visible"))
	require.False(strings.Contains(out, "hidden"))
	require.True(strings.Contains(out, "pool/circuits: from a writer"))
}

func TestBackendDisabled(t *testing.T) {
	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	b.GetLogger("quiet").Info("nobody hears this")
}
