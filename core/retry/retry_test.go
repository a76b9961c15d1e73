// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("zero base", func(t *testing.T) {
		require.Equal(time.Duration(0), Delay(0, maxDelay, DefaultJitter, 4))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

func TestMarks(t *testing.T) {
	require := require.New(t)

	base := errors.New("no circuit")
	c := Cancel(base)
	require.True(IsCancel(c))
	require.False(IsRetry(c))
	require.ErrorIs(c, base)
	require.Equal(c, Cancel(c))

	r := Retry(base)
	require.True(IsRetry(r))
	require.False(IsCancel(r))
	require.ErrorIs(r, base)

	wrapped := fmt.Errorf("creating slot 3: %w", r)
	require.True(IsRetry(wrapped))

	require.Nil(Cancel(nil))
	require.Nil(Retry(nil))
}

func TestClassify(t *testing.T) {
	require := require.New(t)

	require.Nil(Classify(nil))
	require.True(IsRetry(Classify(errors.New("read: connection reset by peer"))))
	require.True(IsRetry(Classify(context.DeadlineExceeded)))
	require.True(IsCancel(Classify(context.Canceled)))
	require.True(IsCancel(Classify(errors.New("invalid proxy url"))))

	marked := Cancel(errors.New("i/o timeout"))
	require.Equal(marked, Classify(marked))
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.True(IsTransientError(errors.New("socks connect tcp 127.0.0.1:9050->x:443: unknown error general SOCKS server failure")))
	require.True(IsTransientError(errors.New("unexpected EOF")))
	require.False(IsTransientError(errors.New("authentication failed")))
}

type mockNetError struct {
	timeout bool
	msg     string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

var _ net.Error = (*mockNetError)(nil)

func TestIsTransientError_NetError(t *testing.T) {
	require := require.New(t)

	require.True(IsTransientError(&mockNetError{timeout: true, msg: "deadline"}))
	require.False(IsTransientError(&mockNetError{msg: "permanent failure"}))
	require.True(IsTransientError(fmt.Errorf("probe: %w", &mockNetError{timeout: true, msg: "deadline"})))
}
