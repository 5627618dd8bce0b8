// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/errs2"
	"storj.io/common/testcontext"

	"github.com/b24go/bitrix24/ratelimit"
)

const domain = "portal.bitrix24.com"

func waitPending(t *testing.T, limiter *ratelimit.Limiter, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := limiter.TestingState(domain); ok {
			if state.Total+int64(state.Queued) >= int64(want) {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("waiters did not enqueue in time")
}

func TestAdmitImmediate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{})
	defer func() { require.NoError(t, limiter.Close()) }()

	start := time.Now()
	require.NoError(t, limiter.Admit(ctx, domain, "user.current"))
	require.Less(t, time.Since(start), 100*time.Millisecond)

	state, ok := limiter.TestingState(domain)
	require.True(t, ok)
	require.Equal(t, int64(1), state.Total)
	require.Zero(t, state.Queued)
}

func TestAdmitFIFOWithSpacing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	interval := 60 * time.Millisecond
	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		LeakRate:           1000,
		MinRequestInterval: interval,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	var mu sync.Mutex
	var order []string
	var released []time.Time

	methods := []string{"a.one", "b.two", "c.three", "d.four"}
	for i, method := range methods {
		method := method
		ctx.Go(func() error {
			if err := limiter.Admit(ctx, domain, method); err != nil {
				return err
			}
			mu.Lock()
			order = append(order, method)
			released = append(released, time.Now())
			mu.Unlock()
			return nil
		})
		waitPending(t, limiter, i+1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		done := len(order) == len(methods)
		mu.Unlock()
		if done {
			break
		}
		require.True(t, time.Now().Before(deadline), "admissions did not finish")
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, methods, order)
	// four releases span at least three full intervals
	require.GreaterOrEqual(t, released[3].Sub(released[0]), 3*interval-10*time.Millisecond)
	for i := 1; i < len(released); i++ {
		require.GreaterOrEqual(t, released[i].Sub(released[i-1]), interval/2)
	}
}

func TestAdmitQueueOverflow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		MinRequestInterval: 500 * time.Millisecond,
		MaxQueue:           2,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	require.NoError(t, limiter.Admit(ctx, domain, "first"))

	waitCtx, cancelWaiters := context.WithCancel(ctx)
	defer cancelWaiters()

	admitErrs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		i := i
		ctx.Go(func() error {
			admitErrs <- limiter.Admit(waitCtx, domain, []string{"second", "third"}[i])
			return nil
		})
		waitPending(t, limiter, i+2)
	}

	err := limiter.Admit(ctx, domain, "fourth")
	require.True(t, ratelimit.ErrQueueOverflow.Has(err), err)

	cancelWaiters()
	for i := 0; i < 2; i++ {
		err := <-admitErrs
		if err == nil {
			continue // released before the cancellation won the race
		}
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestAdmitContextCancel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		MinRequestInterval: time.Second,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	require.NoError(t, limiter.Admit(ctx, domain, "first"))

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Admit(waitCtx, domain, "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	state, ok := limiter.TestingState(domain)
	require.True(t, ok)
	require.Zero(t, state.Queued)
}

func TestObserveQuotaBreach(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	blockTime := 80 * time.Millisecond
	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		MaxBucket:    50,
		MaxBlockTime: blockTime,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	start := time.Now()
	limiter.Observe(ctx, domain, 200, "QUERY_LIMIT_EXCEEDED", "too many requests")

	state, ok := limiter.TestingState(domain)
	require.True(t, ok)
	require.InDelta(t, 45.0, state.Counter, 0.001)
	require.False(t, state.BlockedUntil.IsZero())
	require.True(t, state.BlockedUntil.After(start))

	require.NoError(t, limiter.Admit(ctx, domain, "user.current"))
	require.GreaterOrEqual(t, time.Since(start), blockTime-10*time.Millisecond)
}

func TestObserveTriggers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for _, tt := range []struct {
		name        string
		status      int
		errorCode   string
		description string
		blocked     bool
	}{
		{"query limit code", 200, "QUERY_LIMIT_EXCEEDED", "", true},
		{"service unavailable", 503, "", "", true},
		{"description match", 400, "SOME_ERROR", "Request limit exceeded for portal", true},
		{"plain error", 400, "ERROR_METHOD_NOT_FOUND", "method not found", false},
		{"success", 200, "", "", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{})
			defer func() { require.NoError(t, limiter.Close()) }()

			limiter.Observe(ctx, domain, tt.status, tt.errorCode, tt.description)

			state, ok := limiter.TestingState(domain)
			require.True(t, ok)
			if tt.blocked {
				require.False(t, state.BlockedUntil.IsZero())
				require.Greater(t, state.Counter, 0.0)
			} else {
				require.True(t, state.BlockedUntil.IsZero())
				require.Zero(t, state.Counter)
			}
		})
	}
}

func TestPortalsAreIndependent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		MaxBlockTime: time.Second,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	limiter.Observe(ctx, "blocked.bitrix24.com", 503, "", "")

	start := time.Now()
	require.NoError(t, limiter.Admit(ctx, "free.bitrix24.com", "user.current"))
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestBucketFullDelaysAdmission(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		MaxBucket:          2,
		LeakRate:           20,
		MinRequestInterval: time.Millisecond,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	require.NoError(t, limiter.Admit(ctx, domain, "one"))
	require.NoError(t, limiter.Admit(ctx, domain, "two"))

	// the bucket is full now, a unit leaks out in 1/20s
	start := time.Now()
	require.NoError(t, limiter.Admit(ctx, domain, "three"))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	state, ok := limiter.TestingState(domain)
	require.True(t, ok)
	require.LessOrEqual(t, state.Counter, 3.0)
}

func TestSweepDropsIdlePortals(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		IdleExpiration: 30 * time.Millisecond,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	require.NoError(t, limiter.Admit(ctx, domain, "user.current"))
	_, ok := limiter.TestingState(domain)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	limiter.Sweep(ctx)

	_, ok = limiter.TestingState(domain)
	require.False(t, ok)
}

func TestSweepKeepsBusyPortals(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		MinRequestInterval: 300 * time.Millisecond,
		IdleExpiration:     time.Nanosecond,
	})
	defer func() { require.NoError(t, limiter.Close()) }()

	require.NoError(t, limiter.Admit(ctx, domain, "first"))

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	admitted := make(chan error, 1)
	ctx.Go(func() error {
		admitted <- limiter.Admit(waitCtx, domain, "second")
		return nil
	})
	waitPending(t, limiter, 2)

	limiter.Sweep(ctx)
	_, ok := limiter.TestingState(domain)
	require.True(t, ok, "portal with queued callers must survive the sweep")

	cancel()
	<-admitted
}

func TestRunSweepCycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{
		IdleExpiration: 20 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	})

	ctx.Go(func() error {
		return errs2.IgnoreCanceled(limiter.Run(ctx))
	})

	require.NoError(t, limiter.Admit(ctx, domain, "user.current"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := limiter.TestingState(domain); !ok {
			break
		}
		require.True(t, time.Now().Before(deadline), "idle portal was not swept")
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, limiter.Close())
}

func TestAdmitRequiresDomain(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter := ratelimit.New(zaptest.NewLogger(t), ratelimit.Config{})
	defer func() { require.NoError(t, limiter.Close()) }()

	err := limiter.Admit(ctx, "", "user.current")
	require.True(t, ratelimit.Error.Has(err))
}
