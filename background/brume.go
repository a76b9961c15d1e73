// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"context"
	"sync"

	"github.com/brumewallet/brumed/pool"
	"github.com/brumewallet/brumed/wallet"
)

// brumeMemo binds each wallet to the brume it first used, so the requests
// of a wallet keep going through the same circuit.
type brumeMemo struct {
	sync.Mutex

	byWallet map[string]*wallet.Brume
}

func newBrumeMemo() *brumeMemo {
	return &brumeMemo{byWallet: make(map[string]*wallet.Brume)}
}

// get returns the brume of walletID, taking one from eths on first use
// and once the bound brume died.  The lock is held across the take so two
// callers never bind the same wallet twice.
func (m *brumeMemo) get(ctx context.Context, walletID string, eths *pool.Pool[*wallet.Brume]) (*wallet.Brume, error) {
	m.Lock()
	defer m.Unlock()

	if b, ok := m.byWallet[walletID]; ok && !b.Closed() {
		return b, nil
	}
	e, err := eths.Take(ctx, pool.CryptoRandom)
	if err != nil {
		return nil, err
	}
	m.byWallet[walletID] = e.Value
	return e.Value, nil
}

func (m *brumeMemo) len() int {
	m.Lock()
	defer m.Unlock()
	return len(m.byWallet)
}

// brume returns the ethereum brume of walletID for the current user.
func (d *Daemon) brume(ctx context.Context, walletID string) (*wallet.Brume, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	return u.brumes.get(ctx, walletID, u.eths)
}
