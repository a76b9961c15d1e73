// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package proxy dials through the upstream SOCKS5 proxy circuits are built
// on.  With Tor, each circuit tag maps onto its own SOCKS isolation
// credentials and therefore its own Tor circuit.
package proxy

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/brumewallet/brumed/core/utils"
)

// Proxy types.
const (
	TypeNone      = "none"
	TypeSocks5    = "socks5"
	TypeTorSocks5 = "tor+socks5"
)

const maxAuthLen = 255

// DialContextFn matches net.Dialer.DialContext.
type DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)

// Config is an upstream proxy.
type Config struct {
	// Type is one of TypeNone, TypeSocks5 or TypeTorSocks5.
	Type string

	// Network and Address locate the proxy, Network being tcp or unix.
	Network string
	Address string

	// User and Password authenticate to a plain SOCKS5 proxy.
	User     string
	Password string

	auth *proxy.Auth
}

// FixupAndValidate normalizes cfg and checks it.
func (cfg *Config) FixupAndValidate() error {
	cfg.Type = strings.ToLower(cfg.Type)
	switch cfg.Type {
	case "":
		cfg.Type = TypeNone
		return nil
	case TypeNone:
		return nil
	case TypeSocks5, TypeTorSocks5:
	default:
		return fmt.Errorf("proxy/config: Type '%v' is invalid", cfg.Type)
	}

	if err := cfg.validateAuth(); err != nil {
		return err
	}
	return cfg.validateAddress()
}

func (cfg *Config) validateAuth() error {
	switch {
	case len(cfg.User) > maxAuthLen || len(cfg.Password) > maxAuthLen:
		return errors.New("proxy/config: User and Password are limited to 255 bytes")
	case (cfg.User == "") != (cfg.Password == ""):
		return errors.New("proxy/config: User and Password go together")
	case cfg.User == "":
		return nil
	case cfg.Type == TypeTorSocks5:
		return errors.New("proxy/config: User and Password are reserved for Tor isolation")
	}
	cfg.auth = &proxy.Auth{User: cfg.User, Password: cfg.Password}
	return nil
}

func (cfg *Config) validateAddress() error {
	cfg.Network = strings.ToLower(cfg.Network)
	switch cfg.Network {
	case "", "tcp":
		cfg.Network = "tcp"
		if err := utils.EnsureAddrIPPort(cfg.Address); err != nil {
			return fmt.Errorf("proxy/config: Address '%v' is invalid: %v", cfg.Address, err)
		}
	case "unix":
		fi, err := os.Lstat(cfg.Address)
		if err != nil {
			return fmt.Errorf("proxy/config: Address '%v': %v", cfg.Address, err)
		}
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("proxy/config: Address '%v' is not a socket", cfg.Address)
		}
	default:
		return fmt.Errorf("proxy/config: Network '%v' is invalid", cfg.Network)
	}
	return nil
}

// Isolated returns true if distinct tags get distinct upstream circuits.
func (cfg *Config) Isolated() bool {
	return cfg.Type == TypeTorSocks5
}

// ToDialContext returns the dial function of the circuit named tag.
// Without a proxy it dials directly.
func (cfg *Config) ToDialContext(tag string) DialContextFn {
	switch cfg.Type {
	case TypeNone, "":
		return (&net.Dialer{}).DialContext
	case TypeSocks5, TypeTorSocks5:
	default:
		panic("proxy: ToDialContext: invalid type: " + cfg.Type)
	}

	auth := cfg.auth
	if cfg.Isolated() {
		// Tor isolates streams by SOCKS credentials.
		auth = &proxy.Auth{User: IsolationUser(tag), Password: "\x00"}
	}
	network, address := cfg.Network, cfg.Address
	return func(ctx context.Context, n, a string) (net.Conn, error) {
		d, err := proxy.SOCKS5(network, address, auth, &net.Dialer{})
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("proxy: SOCKS5 dialer does not support contexts")
		}
		return cd.DialContext(ctx, n, a)
	}
}

var (
	processTagOnce sync.Once
	processTag     string
)

// IsolationUser returns the SOCKS5 user name of tag.  Names differ across
// processes so a restarted daemon never reuses old circuits.
func IsolationUser(tag string) string {
	processTagOnce.Do(func() {
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:], uint64(os.Getpid()))
		binary.BigEndian.PutUint64(buf[8:], uint64(time.Now().UnixNano()))
		sum := sha512.Sum512_256(buf[:])
		processTag = "brumed:" + hex.EncodeToString(sum[:8]) + ":"
	})
	sum := sha512.Sum512_256([]byte(tag))
	return processTag + hex.EncodeToString(sum[:16])
}
