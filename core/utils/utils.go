// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils holds small address and filesystem helpers.
package utils

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// EnsureAddrIPPort returns nil iff a is an IP:port pair.
func EnsureAddrIPPort(a string) error {
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("address '%v' is not an IP", host)
	}
	return ensurePort(port)
}

// EnsureAddrHostPort returns nil iff a is a host:port pair.  The host may
// be a name, which the upstream proxy resolves.
func EnsureAddrHostPort(a string) error {
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("address '%v' has no host", a)
	}
	return ensurePort(port)
}

func ensurePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port '%v' is not a number", port)
	}
	if n <= 0 || n > 65535 {
		return fmt.Errorf("port '%v' is out of range", port)
	}
	return nil
}

// Exists returns true if f exists.
func Exists(f string) bool {
	_, err := os.Stat(f)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// MkDataDir creates dir with owner only permissions, or checks that an
// existing dir is not accessible by anyone else.
func MkDataDir(dir string) error {
	const dirMode = 0700

	fi, err := os.Lstat(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to stat() DataDir: %v", err)
		}
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create DataDir: %v", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("DataDir '%v' is not a directory", dir)
	}
	if fi.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("DataDir '%v' has invalid permissions '%v'", dir, fi.Mode().Perm())
	}
	return nil
}
