// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/retry"
)

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func TestPoolCapacity(t *testing.T) {
	require := require.New(t)

	const capacity = 3
	var live, maxLive, serial atomic.Int64

	create := func(ctx context.Context, p Params) (int64, error) {
		n := live.Add(1)
		for {
			m := maxLive.Load()
			if n <= m || maxLive.CompareAndSwap(m, n) {
				break
			}
		}
		return serial.Add(1), nil
	}
	p, err := New("capacity", capacity, create,
		WithBackoff[int64](0, 0),
		WithDestroy[int64](func(int64) { live.Add(-1) }),
		WithLogBackend[int64](testBackend(t)),
	)
	require.NoError(err)
	defer p.Halt()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e, err := p.Take(ctx, CryptoRandom)
				if err != nil {
					return
				}
				if j%3 == 0 {
					p.Delete(e.Index)
				}
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(maxLive.Load(), int64(capacity))
	require.LessOrEqual(p.Size(), capacity)
	require.Equal(capacity, p.Capacity())
}

func TestPoolRetryNeverCancels(t *testing.T) {
	require := require.New(t)

	var attempts atomic.Int64
	create := func(ctx context.Context, p Params) (struct{}, error) {
		attempts.Add(1)
		return struct{}{}, retry.Retry(errors.New("circuit failed"))
	}
	p, err := New("retry", 1, create, WithBackoff[struct{}](time.Millisecond, time.Millisecond))
	require.NoError(err)

	var mu sync.Mutex
	var events []Event
	sub := p.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Take(ctx, First)
	require.ErrorIs(err, context.DeadlineExceeded)

	require.Eventually(func() bool { return attempts.Load() >= 5 }, time.Second, time.Millisecond)
	p.Halt()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(len(events), 5)
	for _, e := range events[:5] {
		require.True(retry.IsRetry(e.Err))
		require.False(retry.IsCancel(e.Err))
	}
}

func TestPoolCancelStops(t *testing.T) {
	require := require.New(t)

	cause := errors.New("bad fallback list")
	var attempts atomic.Int64
	create := func(ctx context.Context, p Params) (string, error) {
		attempts.Add(1)
		return "", retry.Cancel(cause)
	}
	p, err := New("cancel", 1, create, WithBackoff[string](0, 0))
	require.NoError(err)
	defer p.Halt()

	var events atomic.Int64
	p.Subscribe(func(e Event) { events.Add(1) })

	_, err = p.Take(context.Background(), CryptoRandom)
	require.True(retry.IsCancel(err))
	require.ErrorIs(err, cause)

	_, err = p.TakeIndex(context.Background(), 0)
	require.ErrorIs(err, cause)

	time.Sleep(20 * time.Millisecond)
	require.Equal(int64(1), attempts.Load())
	require.LessOrEqual(events.Load(), int64(1))
}

func TestPoolUnclassifiedTransientRetries(t *testing.T) {
	require := require.New(t)

	var attempts atomic.Int64
	create := func(ctx context.Context, p Params) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("dial tcp: connection refused")
		}
		return 7, nil
	}
	p, err := New("transient", 1, create, WithBackoff[int](time.Millisecond, 2*time.Millisecond))
	require.NoError(err)
	defer p.Halt()

	e, err := p.Take(context.Background(), First)
	require.NoError(err)
	require.Equal(7, e.Value)
	require.Equal(int64(3), attempts.Load())
}

func TestPoolDeleteRestarts(t *testing.T) {
	require := require.New(t)

	var serial atomic.Int64
	var destroyed atomic.Int64
	create := func(ctx context.Context, p Params) (int64, error) {
		return serial.Add(1), nil
	}
	p, err := New("delete", 1, create,
		WithBackoff[int64](0, 0),
		WithDestroy[int64](func(int64) { destroyed.Add(1) }),
	)
	require.NoError(err)

	ctx := context.Background()
	e, err := p.Take(ctx, First)
	require.NoError(err)
	require.Equal(int64(1), e.Value)

	require.NoError(p.Delete(e.Index))
	require.Eventually(func() bool {
		e, err := p.TakeIndex(ctx, 0)
		return err == nil && e.Value == 2
	}, time.Second, time.Millisecond)
	require.Equal(int64(1), destroyed.Load())

	require.ErrorIs(p.Delete(5), ErrInvalidIndex)

	p.Halt()
	require.Equal(int64(2), destroyed.Load())
	_, err = p.Take(ctx, First)
	require.ErrorIs(err, ErrHalted)
}

func TestPoolHaltCancelsCreators(t *testing.T) {
	require := require.New(t)

	started := make(chan struct{})
	create := func(ctx context.Context, p Params) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}
	p, err := New("halt", 1, create)
	require.NoError(err)

	<-started
	p.Halt()
}

type mortal struct {
	id     int64
	deaths event.Topic[struct{}]
}

func watchMortal(m *mortal, dead func()) func() {
	return m.deaths.Subscribe(func(struct{}) { dead() }).Close
}

func TestPoolWatchReplacesDeadResource(t *testing.T) {
	require := require.New(t)

	var serial, destroyed atomic.Int64
	create := func(ctx context.Context, p Params) (*mortal, error) {
		return &mortal{id: serial.Add(1)}, nil
	}
	p, err := New("watch", 1, create,
		WithBackoff[*mortal](0, 0),
		WithDestroy(func(*mortal) { destroyed.Add(1) }),
		WithWatch[*mortal](watchMortal),
	)
	require.NoError(err)
	defer p.Halt()

	ctx := context.Background()
	e, err := p.Take(ctx, First)
	require.NoError(err)
	first := e.Value
	require.Equal(int64(1), first.id)
	require.Equal(1, first.deaths.Len())

	first.deaths.Publish(struct{}{})
	require.Eventually(func() bool {
		e, err := p.TakeIndex(ctx, 0)
		return err == nil && e.Value.id == 2
	}, time.Second, time.Millisecond)
	require.Equal(int64(1), destroyed.Load())
	require.Equal(0, first.deaths.Len())

	e, err = p.Take(ctx, First)
	require.NoError(err)
	require.Equal(1, e.Value.deaths.Len())

	p.Halt()
	require.Equal(0, e.Value.deaths.Len())
	require.Equal(int64(2), destroyed.Load())
}

func TestPoolWatchIgnoresReplacedResource(t *testing.T) {
	require := require.New(t)

	var serial atomic.Int64
	var deadFns []func()
	var mu sync.Mutex
	create := func(ctx context.Context, p Params) (int64, error) {
		return serial.Add(1), nil
	}
	p, err := New("stale", 1, create,
		WithBackoff[int64](0, 0),
		WithWatch[int64](func(v int64, dead func()) func() {
			mu.Lock()
			deadFns = append(deadFns, dead)
			mu.Unlock()
			return nil
		}),
	)
	require.NoError(err)
	defer p.Halt()

	ctx := context.Background()
	_, err = p.Take(ctx, First)
	require.NoError(err)
	require.NoError(p.Delete(0))
	require.Eventually(func() bool {
		e, err := p.TakeIndex(ctx, 0)
		return err == nil && e.Value == 2
	}, time.Second, time.Millisecond)

	// A late report from the first resource leaves its replacement alone.
	mu.Lock()
	stale := deadFns[0]
	mu.Unlock()
	stale()
	time.Sleep(20 * time.Millisecond)
	e, err := p.TakeIndex(ctx, 0)
	require.NoError(err)
	require.Equal(int64(2), e.Value)
	require.Equal(int64(2), serial.Load())
}
