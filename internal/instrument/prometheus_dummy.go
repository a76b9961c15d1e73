//go:build noprometheus

// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import "log"

// Init is a no-op
func Init(address string, errLog *log.Logger) {}

// PoolCreation is a no-op
func PoolCreation(pool, outcome string) {}

// PoolSize is a no-op
func PoolSize(pool string, size int) {}

// Request is a no-op
func Request(role, method string) {}

// Approval is a no-op
func Approval(method, outcome string) {}

// RelaySessions is a no-op
func RelaySessions(n int) {}

// RelayReconnect is a no-op
func RelayReconnect(outcome string) {}
