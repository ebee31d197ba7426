package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/wire"
)

func TestCallFirstAttemptSucceeds(t *testing.T) {
	e := New(Options{MaxAttempts: 3, RetryDelay: ConstantDelay(time.Millisecond)})

	calls := 0
	v, err := e.Call(context.Background(), func(context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesUntilSuccess(t *testing.T) {
	e := New(Options{MaxAttempts: 3, RetryDelay: ConstantDelay(time.Millisecond)})

	calls := 0
	v, err := e.Call(context.Background(), func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestCallExhaustsAttempts(t *testing.T) {
	e := New(Options{MaxAttempts: 2, RetryDelay: ConstantDelay(time.Millisecond)})

	calls := 0
	lastErr := errors.New("persistent failure")
	_, err := e.Call(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, lastErr
	})
	assert.ErrorIs(t, err, lastErr, "the last error is rethrown verbatim")
	assert.Equal(t, 3, calls, "one unconditional attempt plus two retries")
}

func TestZeroMaxAttemptsDisablesRetry(t *testing.T) {
	e := New(Options{})

	calls := 0
	_, err := e.Call(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOnRetryCountAndCleanupOrder(t *testing.T) {
	var retries []int
	var cleaned []int
	e := New(Options{
		MaxAttempts: 5,
		RetryDelay:  ConstantDelay(time.Millisecond),
		OnRetry: func(attempt int) func() {
			retries = append(retries, attempt)
			return func() { cleaned = append(cleaned, attempt) }
		},
	})

	calls := 0
	_, err := e.Call(context.Background(), func(context.Context) (any, error) {
		calls++
		if calls < 4 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, retries, "onRetry runs once per retry, attempts minus one")
	assert.Equal(t, []int{2, 1, 0}, cleaned, "cleanups run newest first after the call settles")
}

func TestShouldRetryVeto(t *testing.T) {
	e := New(Options{
		MaxAttempts: 5,
		RetryDelay:  ConstantDelay(time.Millisecond),
		ShouldRetry: func(attempt int, err error) bool { return attempt < 1 },
	})

	calls := 0
	_, err := e.Call(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "vetoed at the second retry decision")
}

func TestRetryTimeoutBoundsWallClock(t *testing.T) {
	e := New(Options{
		MaxAttempts:  100,
		RetryDelay:   ConstantDelay(30 * time.Millisecond),
		RetryTimeout: 100 * time.Millisecond,
	})

	start := time.Now()
	_, err := e.Call(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	// Total elapsed is bounded by the timeout plus the last attempt's
	// latency; attempts here are instant so a generous margin suffices.
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestContextCancelStopsRetrying(t *testing.T) {
	e := New(Options{MaxAttempts: 100, RetryDelay: ConstantDelay(50 * time.Millisecond)})

	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		_, err := e.Call(ctx, func(context.Context) (any, error) { return nil, boom })
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom, "cancellation rethrows the last call error")
	case <-time.After(2 * time.Second):
		t.Fatal("call did not stop after cancellation")
	}
}

func TestRetryAfterParsing(t *testing.T) {
	capture := func(got **time.Duration) DelayFunc {
		return func(dc DelayContext) time.Duration {
			*got = dc.RetryAfter
			return 0
		}
	}
	run := func(t *testing.T, headers map[string][]string) *time.Duration {
		t.Helper()
		var got *time.Duration
		e := New(Options{MaxAttempts: 1, RetryDelay: capture(&got)})
		_, err := e.Call(context.Background(), func(context.Context) (any, error) {
			return nil, &wire.RemoteError{Message: "slow down", Headers: headers}
		})
		require.Error(t, err)
		return got
	}

	t.Run("integer seconds", func(t *testing.T) {
		got := run(t, map[string][]string{"retry-after": {"2"}})
		require.NotNil(t, got)
		assert.Equal(t, 2*time.Second, *got)
	})

	t.Run("case insensitive header name", func(t *testing.T) {
		got := run(t, map[string][]string{"Retry-After": {"1"}})
		require.NotNil(t, got)
		assert.Equal(t, time.Second, *got)
	})

	t.Run("http date", func(t *testing.T) {
		at := time.Now().Add(5 * time.Second).UTC()
		got := run(t, map[string][]string{"retry-after": {at.Format(time.RFC1123)}})
		require.NotNil(t, got)
		assert.InDelta(t, (5 * time.Second).Seconds(), got.Seconds(), 2)
	})

	t.Run("past http date clamps to zero", func(t *testing.T) {
		at := time.Now().Add(-time.Minute).UTC()
		got := run(t, map[string][]string{"retry-after": {at.Format(time.RFC1123)}})
		require.NotNil(t, got)
		assert.Equal(t, time.Duration(0), *got)
	})

	t.Run("negative seconds ignored", func(t *testing.T) {
		assert.Nil(t, run(t, map[string][]string{"retry-after": {"-3"}}))
	})

	t.Run("garbage ignored", func(t *testing.T) {
		assert.Nil(t, run(t, map[string][]string{"retry-after": {"soon"}}))
	})

	t.Run("plain errors carry no hint", func(t *testing.T) {
		var got *time.Duration
		e := New(Options{MaxAttempts: 1, RetryDelay: capture(&got)})
		_, err := e.Call(context.Background(), func(context.Context) (any, error) {
			return nil, errors.New("no headers here")
		})
		require.Error(t, err)
		assert.Nil(t, got)
	})
}
