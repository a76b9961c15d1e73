// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brumewallet/brumed/rpc"
)

func TestRegistryResolveThenClose(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	window := 42
	p, err := reg.Register("a", window)
	require.NoError(err)

	res, err := rpc.NewResponse("a", "approved")
	require.NoError(err)
	require.True(reg.Resolve("a", res))
	require.Equal(0, reg.CloseOwner(window, rpc.ErrClosed))

	got, err := p.Wait(context.Background())
	require.NoError(err)
	require.Same(res, got)
	require.Equal(0, reg.Len())
}

func TestRegistryCloseThenResolve(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	window := 42
	p, err := reg.Register("a", window)
	require.NoError(err)

	require.Equal(1, reg.CloseOwner(window, rpc.ErrClosed))
	res, err := rpc.NewResponse("a", "late")
	require.NoError(err)
	require.False(reg.Resolve("a", res))
	require.False(reg.Reject("a", rpc.ErrUserRejected))

	_, err = p.Wait(context.Background())
	require.ErrorIs(err, rpc.ErrClosed)
	require.Equal(0, reg.Len())
}

func TestRegistryUnknownID(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	require.False(reg.Resolve("nope", &rpc.Response{ID: "nope"}))
	require.False(reg.Reject("nope", rpc.ErrClosed))
	require.Equal(0, reg.CloseOwner("nobody", rpc.ErrClosed))

	_, err := reg.Register("x", nil)
	require.NoError(err)
	_, err = reg.Register("x", nil)
	require.ErrorIs(err, ErrDuplicateID)
}

func TestRegistryWaitTimeout(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	p, err := reg.Register("slow", "owner")
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(0, reg.Len())
	require.False(reg.Resolve("slow", &rpc.Response{ID: "slow"}))
}

func TestRegistryRacingCompletions(t *testing.T) {
	require := require.New(t)

	for i := 0; i < 200; i++ {
		reg := NewRegistry()
		owner := i
		p, err := reg.Register("id", owner)
		require.NoError(err)

		var wg sync.WaitGroup
		var resolved, closed bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved = reg.Resolve("id", &rpc.Response{ID: "id"})
		}()
		go func() {
			defer wg.Done()
			closed = reg.CloseOwner(owner, rpc.ErrClosed) == 1
		}()
		wg.Wait()

		require.True(resolved != closed)
		_, err = p.Wait(context.Background())
		if closed {
			require.ErrorIs(err, rpc.ErrClosed)
		} else {
			require.NoError(err)
		}
	}
}

func TestRegistryOwn(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	p, err := reg.Register("req", nil)
	require.NoError(err)
	require.Equal(0, reg.CloseOwner("popup", rpc.ErrClosed))

	require.True(reg.Own("req", "popup"))
	require.True(reg.Own("req", "popup-2"))
	require.Equal(0, reg.CloseOwner("popup", rpc.ErrClosed))
	require.Equal(1, reg.CloseOwner("popup-2", rpc.ErrClosed))
	require.False(reg.Own("req", "popup"))

	_, err = p.Wait(context.Background())
	require.ErrorIs(err, rpc.ErrClosed)
}

func TestRegistryResolveFrom(t *testing.T) {
	require := require.New(t)

	reg := NewRegistry()
	p, err := reg.Register("req", "popup")
	require.NoError(err)

	require.False(reg.ResolveFrom("req", "script", &rpc.Response{ID: "req"}))
	require.False(reg.ResolveFrom("req", nil, &rpc.Response{ID: "req"}))
	require.Equal(1, reg.Len())

	require.True(reg.ResolveFrom("req", "popup", &rpc.Response{ID: "req"}))
	res, err := p.Wait(context.Background())
	require.NoError(err)
	require.Equal("req", res.ID)
	require.False(reg.ResolveFrom("req", "popup", &rpc.Response{ID: "req"}))
}
