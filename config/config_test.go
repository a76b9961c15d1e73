// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brumewallet/brumed/internal/proxy"
	"github.com/brumewallet/brumed/wallet"
)

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	cfg, err := LoadFile("testdata/brumed.toml")
	require.NoError(err)

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("tcp", cfg.Listen.Network)
	require.Equal("127.0.0.1:7301", cfg.Listen.ScriptAddress)
	require.Equal(proxy.TypeTorSocks5, cfg.UpstreamProxyConfig().Type)
	require.True(cfg.UpstreamProxyConfig().Isolated())
	require.Equal(3, cfg.Circuits.Capacity)
	require.Equal(30*time.Second, cfg.ProbeTimeout())
	require.Equal(1, cfg.Brumes.EthereumCapacity)
	require.Equal(defaultRelayURL, cfg.Relay.URL)
	require.Equal(60*time.Second, cfg.HelloTimeout())
	require.Equal(60*time.Second, cfg.RequestTimeout())

	base, max := cfg.RetryDelays()
	require.Equal(250*time.Millisecond, base)
	require.Equal(10*time.Second, max)

	require.Len(cfg.Chains, 2)
	require.EqualValues(137, cfg.Chains[1].ChainID)
}

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte("[Storage]\nDataDir = \"/tmp/brumed\"\n"))
	require.NoError(err)

	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal("unix", cfg.Listen.Network)
	require.Equal(filepath.Join("/tmp/brumed", defaultScriptSocket), cfg.Listen.ScriptAddress)
	require.Equal(filepath.Join("/tmp/brumed", defaultHostSocket), cfg.Listen.HostAddress)
	require.Equal(proxy.TypeNone, cfg.UpstreamProxyConfig().Type)
	require.Equal(defaultCircuitCapacity, cfg.Circuits.Capacity)
	require.Equal(defaultPopupPage, cfg.Popup.Page)
	require.Equal(wallet.DefaultChains, cfg.Chains)
	require.Empty(cfg.Metrics.Address)
}

func TestInvalid(t *testing.T) {
	require := require.New(t)

	for name, body := range map[string]string{
		"no data dir":       "[Logging]\nLevel = \"DEBUG\"\n",
		"relative data dir": "[Storage]\nDataDir = \"brumed\"\n",
		"bad level":         "[Storage]\nDataDir = \"/tmp/b\"\n[Logging]\nLevel = \"LOUD\"\n",
		"bad network":       "[Storage]\nDataDir = \"/tmp/b\"\n[Listen]\nNetwork = \"udp\"\n",
		"bad proxy":         "[Storage]\nDataDir = \"/tmp/b\"\n[UpstreamProxy]\nType = \"http\"\n",
		"duplicate chain":   "[Storage]\nDataDir = \"/tmp/b\"\n[[Chains]]\nChainID = 1\nURL = \"https://a\"\n[[Chains]]\nChainID = 1\nURL = \"https://b\"\n",
		"unknown key":       "[Storage]\nDataDir = \"/tmp/b\"\nColour = \"blue\"\n",
		"backoff order":     "[Storage]\nDataDir = \"/tmp/b\"\n[Debug]\nRetryBaseDelay = 20000\n",
		"probe address":     "[Storage]\nDataDir = \"/tmp/b\"\n[Circuits]\nProbeAddress = \"no-port\"\n",
		"missing icon":      "[Storage]\nDataDir = \"/tmp/b\"\n[Debug]\nIconFile = \"/nonexistent/icon.png\"\n",
	} {
		_, err := Load([]byte(body))
		require.Error(err, name)
	}
}
