// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require := require.New(t)

	require.True(IsUsageError(errors.New("unknown flag: --nope")))
	require.True(IsUsageError(errors.New("failed to load config file 'x': no such file")))
	require.False(IsUsageError(errors.New("failed to spawn daemon: permission denied")))
}
