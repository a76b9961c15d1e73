// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/brumewallet/brumed/circuit"
	"github.com/brumewallet/brumed/core/retry"
	"github.com/brumewallet/brumed/pool"
)

// ErrUnknownChain is returned for a chain missing from the brume.
var ErrUnknownChain = errors.New("wallet: unknown chain")

// Brume is the per-wallet ethereum resource: one circuit and the chain
// endpoints reached through it.
type Brume struct {
	Circuit *circuit.Circuit

	chains Chains
	closed atomic.Bool
}

// Chain returns the endpoint for id.
func (b *Brume) Chain(id int64) (Chain, error) {
	c, ok := b.chains.Get(id)
	if !ok {
		return Chain{}, fmt.Errorf("%w: %d", ErrUnknownChain, id)
	}
	return c, nil
}

// Close releases the circuit's idle connections.  The circuit itself is
// shared and stays up.
func (b *Brume) Close() {
	b.closed.Store(true)
	b.Circuit.CloseIdle()
}

// Closed returns true once the brume was released or its circuit died.
func (b *Brume) Closed() bool {
	return b.closed.Load() || b.Circuit.Closed()
}

// WatchBrume reports a brume dead when its circuit closes.
func WatchBrume(b *Brume, dead func()) func() {
	return circuit.Watch(b.Circuit, dead)
}

// NewBrumeCreator returns a pool creator that builds a brume over a
// randomly chosen circuit.  Failing to get a circuit is retried, unless
// the circuit pool itself gave up.
func NewBrumeCreator(circuits *pool.Pool[*circuit.Circuit], chains Chains) pool.Creator[*Brume] {
	return func(ctx context.Context, p pool.Params) (*Brume, error) {
		if len(chains) == 0 {
			return nil, retry.Cancel(errors.New("wallet: no chains"))
		}

		e, err := circuits.Take(ctx, pool.CryptoRandom)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, pool.ErrHalted), retry.IsCancel(err):
			return nil, retry.Cancel(err)
		default:
			return nil, retry.Retry(err)
		}

		if e.Value.Closed() {
			return nil, retry.Retry(circuit.ErrClosed)
		}
		return &Brume{Circuit: e.Value, chains: chains}, nil
	}
}
