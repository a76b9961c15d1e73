// SPDX-FileCopyrightText: Copyright (C) 2018-2023  Yawning Angel, David Stainton.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements the configuration for the brumed daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/brumewallet/brumed/core/utils"
	"github.com/brumewallet/brumed/internal/proxy"
	"github.com/brumewallet/brumed/wallet"
)

const (
	defaultLogLevel = "NOTICE"

	defaultListenNetwork     = "unix"
	defaultScriptSocket      = "script.sock"
	defaultForegroundSocket  = "foreground.sock"
	defaultHostSocket        = "host.sock"
	defaultCircuitCapacity   = 9
	defaultProbeAddress      = "check.torproject.org:443"
	defaultProbeTimeout      = 30
	defaultBrumeCapacity     = 1
	defaultHelloTimeout      = 60
	defaultRequestTimeout    = 60
	defaultRetryBaseDelay    = 500
	defaultRetryMaxDelay     = 10000
	defaultPopupPage         = "popup.html"
	defaultRelayURL          = "wss://relay.walletconnect.org"
	defaultWalletName        = "Brume Wallet"
	defaultWalletURL         = "https://wallet.brume.money"
	defaultWalletDescription = "An anonymous wallet"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Listen is where the extension's endpoints connect.
type Listen struct {
	// Network is `unix` or `tcp`.
	Network string

	// ScriptAddress accepts the page scripts.
	ScriptAddress string

	// ForegroundAddress accepts the wallet pages and the popup.
	ForegroundAddress string

	// HostAddress accepts the extension shell that owns the windows.
	HostAddress string
}

func (l *Listen) validate(dataDir string) error {
	l.Network = strings.ToLower(l.Network)
	if l.Network == "" {
		l.Network = defaultListenNetwork
	}
	defaults := map[*string]string{
		&l.ScriptAddress:     defaultScriptSocket,
		&l.ForegroundAddress: defaultForegroundSocket,
		&l.HostAddress:       defaultHostSocket,
	}
	for addr, def := range defaults {
		switch l.Network {
		case "unix":
			if *addr == "" {
				*addr = filepath.Join(dataDir, def)
			}
		case "tcp":
			if err := utils.EnsureAddrIPPort(*addr); err != nil {
				return fmt.Errorf("config: Listen: address '%v' is invalid: %v", *addr, err)
			}
		default:
			return fmt.Errorf("config: Listen: Network '%v' is invalid", l.Network)
		}
	}
	return nil
}

// Storage is the on disk state.
type Storage struct {
	// DataDir is the absolute path to the daemon's state directory.
	DataDir string
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type (Eg: "none", "socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	cfg := &proxy.Config{
		Type:     uCfg.Type,
		Network:  uCfg.Network,
		Address:  uCfg.Address,
		User:     uCfg.User,
		Password: uCfg.Password,
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Circuits is the pool of anonymizing circuits.
type Circuits struct {
	// Capacity is the number of circuits kept ready.
	Capacity int

	// ProbeAddress is dialed through every new circuit before it is used.
	ProbeAddress string

	// ProbeTimeout is the number of seconds a probe may take.
	ProbeTimeout int
}

// Brumes sizes the per-user resource pools.
type Brumes struct {
	EthereumCapacity int
	RelayCapacity    int
}

// Relay is the WalletConnect relay.
type Relay struct {
	URL       string
	ProjectID string

	// Name, Description, URL and Icon are shown to paired peers.
	WalletName        string
	WalletDescription string
	WalletURL         string
	WalletIcon        string
}

// Popup is the approval window.
type Popup struct {
	// HelloTimeout is the number of seconds a new popup has to announce
	// itself.
	HelloTimeout int

	// Page is the extension page the popup loads.
	Page string
}

// Metrics is the prometheus endpoint.
type Metrics struct {
	// Address to serve /metrics on, disabled when empty.
	Address string
}

// Debug is the debug configuration.
type Debug struct {
	// RequestTimeout is the number of seconds an outbound request to a
	// channel may take.
	RequestTimeout int

	// RetryBaseDelay and RetryMaxDelay bound, in milliseconds, the backoff
	// of pool creation retries.
	RetryBaseDelay int
	RetryMaxDelay  int

	// IconFile is served to page scripts by brume_icon.
	IconFile string
}

func (d *Debug) fixup() {
	if d.RequestTimeout == 0 {
		d.RequestTimeout = defaultRequestTimeout
	}
	if d.RetryBaseDelay == 0 {
		d.RetryBaseDelay = defaultRetryBaseDelay
	}
	if d.RetryMaxDelay == 0 {
		d.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// Config is the top level daemon configuration.
type Config struct {
	Logging       *Logging
	Listen        *Listen
	Storage       *Storage
	UpstreamProxy *UpstreamProxy
	Circuits      *Circuits
	Brumes        *Brumes
	Relay         *Relay
	Popup         *Popup
	Metrics       *Metrics
	Debug         *Debug

	// Chains overrides the built-in chain table.
	Chains []wallet.Chain

	upstreamProxy *proxy.Config
}

// UpstreamProxyConfig returns the configured upstream proxy, suitable for
// internal use.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// HelloTimeout returns the popup announcement timeout.
func (c *Config) HelloTimeout() time.Duration {
	return time.Duration(c.Popup.HelloTimeout) * time.Second
}

// ProbeTimeout returns the circuit probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Circuits.ProbeTimeout) * time.Second
}

// RequestTimeout returns the outbound channel request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Debug.RequestTimeout) * time.Second
}

// RetryDelays returns the pool backoff bounds.
func (c *Config) RetryDelays() (time.Duration, time.Duration) {
	return time.Duration(c.Debug.RetryBaseDelay) * time.Millisecond,
		time.Duration(c.Debug.RetryMaxDelay) * time.Millisecond
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Storage == nil || c.Storage.DataDir == "" {
		return errors.New("config: No Storage.DataDir was present")
	}
	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", c.Storage.DataDir)
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Listen == nil {
		c.Listen = &Listen{}
	}
	if c.UpstreamProxy == nil {
		c.UpstreamProxy = &UpstreamProxy{}
	}
	if c.Circuits == nil {
		c.Circuits = &Circuits{}
	}
	if c.Circuits.Capacity <= 0 {
		c.Circuits.Capacity = defaultCircuitCapacity
	}
	if c.Circuits.ProbeAddress == "" {
		c.Circuits.ProbeAddress = defaultProbeAddress
	}
	if err := utils.EnsureAddrHostPort(c.Circuits.ProbeAddress); err != nil {
		return fmt.Errorf("config: Circuits: ProbeAddress '%v' is invalid: %v", c.Circuits.ProbeAddress, err)
	}
	if c.Circuits.ProbeTimeout <= 0 {
		c.Circuits.ProbeTimeout = defaultProbeTimeout
	}
	if c.Brumes == nil {
		c.Brumes = &Brumes{}
	}
	if c.Brumes.EthereumCapacity <= 0 {
		c.Brumes.EthereumCapacity = defaultBrumeCapacity
	}
	if c.Brumes.RelayCapacity <= 0 {
		c.Brumes.RelayCapacity = defaultBrumeCapacity
	}
	if c.Relay == nil {
		c.Relay = &Relay{}
	}
	if c.Relay.URL == "" {
		c.Relay.URL = defaultRelayURL
	}
	if c.Relay.WalletName == "" {
		c.Relay.WalletName = defaultWalletName
	}
	if c.Relay.WalletDescription == "" {
		c.Relay.WalletDescription = defaultWalletDescription
	}
	if c.Relay.WalletURL == "" {
		c.Relay.WalletURL = defaultWalletURL
	}
	if c.Popup == nil {
		c.Popup = &Popup{}
	}
	if c.Popup.HelloTimeout <= 0 {
		c.Popup.HelloTimeout = defaultHelloTimeout
	}
	if c.Popup.Page == "" {
		c.Popup.Page = defaultPopupPage
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.fixup()
	if c.Debug.IconFile != "" && !utils.Exists(c.Debug.IconFile) {
		return fmt.Errorf("config: Debug: IconFile '%v' does not exist", c.Debug.IconFile)
	}
	if c.Debug.RetryMaxDelay < c.Debug.RetryBaseDelay {
		return fmt.Errorf("config: Debug: RetryMaxDelay %d is below RetryBaseDelay %d", c.Debug.RetryMaxDelay, c.Debug.RetryBaseDelay)
	}
	if len(c.Chains) == 0 {
		c.Chains = wallet.DefaultChains
	}
	seen := make(map[int64]bool)
	for _, chain := range c.Chains {
		if chain.ChainID <= 0 || chain.URL == "" {
			return fmt.Errorf("config: Chains: chain %d '%v' is invalid", chain.ChainID, chain.Name)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("config: Chains: chain %d is listed twice", chain.ChainID)
		}
		seen[chain.ChainID] = true
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Listen.validate(c.Storage.DataDir); err != nil {
		return err
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg
	if c.Metrics.Address != "" {
		if err := utils.EnsureAddrIPPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", c.Metrics.Address, err)
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
