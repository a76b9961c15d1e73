//go:build !pyroscope
// +build !pyroscope

// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing, profiling is compiled out.
func Start(log *logging.Logger) error {
	log.Debug("Profiling is disabled")
	return nil
}
