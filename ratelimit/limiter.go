// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ratelimit regulates outgoing request rate per portal, pacing
// callers against the leaky-bucket quota the Bitrix24 service enforces
// on its side. Callers block in Admit until their request may go out;
// Observe feeds server responses back so a reported breach pauses
// traffic before the portal starts dropping it.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("ratelimit")

	// ErrQueueOverflow means too many callers already wait for the same
	// portal.
	ErrQueueOverflow = errs.Class("rate limit queue overflow")
)

// queryLimitExceeded is the domain error code the service returns when
// a portal runs over its request quota.
const queryLimitExceeded = "QUERY_LIMIT_EXCEEDED"

// Config tunes the per-portal throttle. The zero value falls back to
// the documented defaults, which mirror the service-side quota.
type Config struct {
	MaxBucket          float64       `help:"capacity of the per-portal leaky bucket in request units" default:"50"`
	LeakRate           float64       `help:"request units drained from the bucket per second" default:"2"`
	MinRequestInterval time.Duration `help:"minimum spacing between consecutive requests to one portal" default:"150ms"`
	MaxBlockTime       time.Duration `help:"pause after the service reports a quota breach" default:"5s"`
	MaxQueue           int           `help:"maximum callers waiting per portal, 0 for unlimited" default:"0"`
	IdleExpiration     time.Duration `help:"drop per-portal state after this long without activity" default:"30m"`
	SweepInterval      time.Duration `help:"how often to drop idle portal state" default:"5m"`
}

func (config Config) withDefaults() Config {
	if config.MaxBucket <= 0 {
		config.MaxBucket = 50
	}
	if config.LeakRate <= 0 {
		config.LeakRate = 2
	}
	if config.MinRequestInterval <= 0 {
		config.MinRequestInterval = 150 * time.Millisecond
	}
	if config.MaxBlockTime <= 0 {
		config.MaxBlockTime = 5 * time.Second
	}
	if config.IdleExpiration <= 0 {
		config.IdleExpiration = 30 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	return config
}

// Limiter coordinates request pacing across portals. Each portal gets
// its own bucket, queue and processing goroutine; portals never delay
// each other.
type Limiter struct {
	log    *zap.Logger
	config Config

	Loop sync2.Cycle

	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	tenants   map[string]*tenant
	lastSweep time.Time
}

// tenant is the throttle state of one portal. All fields are guarded by
// the limiter mutex; the processing goroutine releases the mutex while
// it sleeps.
type tenant struct {
	counter      float64
	lastUpdate   time.Time
	blockedUntil time.Time
	lastRequest  time.Time
	lastActivity time.Time

	queue      []*waiter
	processing bool
	total      int64
}

type waiter struct {
	method  string
	release chan struct{}
}

// State is a snapshot of one portal's throttle state.
type State struct {
	Counter      float64
	BlockedUntil time.Time
	Queued       int
	Total        int64
}

// New creates a Limiter.
func New(log *zap.Logger, config Config) *Limiter {
	config = config.withDefaults()
	return &Limiter{
		log:     log,
		config:  config,
		Loop:    *sync2.NewCycle(config.SweepInterval),
		closed:  make(chan struct{}),
		tenants: map[string]*tenant{},
	}
}

// Admit blocks until a request to the portal may go out, preserving the
// arrival order of callers. It returns early when ctx is cancelled,
// when the limiter is closed, or immediately with ErrQueueOverflow when
// MaxQueue callers already wait for the portal.
func (limiter *Limiter) Admit(ctx context.Context, domain, method string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if domain == "" {
		return Error.New("portal domain is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	limiter.mu.Lock()
	t := limiter.tenantLocked(domain)
	if limiter.config.MaxQueue > 0 && len(t.queue) >= limiter.config.MaxQueue {
		limiter.mu.Unlock()
		mon.Meter("ratelimit_queue_overflow").Mark(1)
		return ErrQueueOverflow.New("%d callers already waiting for %q", limiter.config.MaxQueue, domain)
	}

	w := &waiter{method: method, release: make(chan struct{})}
	t.queue = append(t.queue, w)
	t.lastActivity = time.Now()
	if !t.processing {
		t.processing = true
		go limiter.processQueue(domain, t)
	}
	limiter.mu.Unlock()

	select {
	case <-w.release:
		mon.Meter("ratelimit_admitted").Mark(1)
		return nil
	case <-ctx.Done():
		limiter.removeWaiter(t, w)
		return ctx.Err()
	case <-limiter.closed:
		limiter.removeWaiter(t, w)
		return Error.New("limiter closed")
	}
}

// Observe feeds one response outcome back into the throttle. When the
// outcome signals a server-enforced quota breach, the portal is paused
// for MaxBlockTime and its bucket is prefilled to 90% so traffic
// resumes gently.
func (limiter *Limiter) Observe(ctx context.Context, domain string, status int, errorCode, description string) {
	defer mon.Task()(&ctx)(nil)

	if domain == "" {
		return
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	t := limiter.tenantLocked(domain)
	now := time.Now()
	t.lastActivity = now

	if !limitBreach(status, errorCode, description) {
		return
	}

	t.blockedUntil = now.Add(limiter.config.MaxBlockTime)
	t.counter = 0.9 * limiter.config.MaxBucket
	t.lastUpdate = now
	mon.Meter("ratelimit_hard_block").Mark(1)
	limiter.log.Warn("portal reported a rate limit breach, pausing traffic",
		zap.String("domain", domain),
		zap.Int("status", status),
		zap.String("errorCode", errorCode),
		zap.Duration("pause", limiter.config.MaxBlockTime))
}

func limitBreach(status int, errorCode, description string) bool {
	if status == http.StatusServiceUnavailable {
		return true
	}
	if errorCode == queryLimitExceeded {
		return true
	}
	return strings.Contains(strings.ToLower(description), "limit exceeded")
}

// Run executes the idle-portal sweep until ctx is cancelled.
func (limiter *Limiter) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return limiter.Loop.Run(ctx, func(ctx context.Context) error {
		limiter.Sweep(ctx)
		return nil
	})
}

// Sweep drops state of portals that have been idle for longer than
// IdleExpiration. Portals with queued callers or a running processor
// are never dropped.
func (limiter *Limiter) Sweep(ctx context.Context) {
	defer mon.Task()(&ctx)(nil)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.sweepLocked(time.Now())
}

// Close releases all waiting callers and stops the sweep cycle. The
// limiter must not be used afterwards.
func (limiter *Limiter) Close() error {
	limiter.Loop.Close()
	limiter.closeOnce.Do(func() { close(limiter.closed) })
	return nil
}

// TestingState returns a snapshot of a portal's throttle state.
func (limiter *Limiter) TestingState(domain string) (State, bool) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	t, ok := limiter.tenants[domain]
	if !ok {
		return State{}, false
	}
	return State{
		Counter:      t.counter,
		BlockedUntil: t.blockedUntil,
		Queued:       len(t.queue),
		Total:        t.total,
	}, true
}

func (limiter *Limiter) tenantLocked(domain string) *tenant {
	t, ok := limiter.tenants[domain]
	if !ok {
		t = &tenant{lastActivity: time.Now()}
		limiter.tenants[domain] = t
	}
	return t
}

// processQueue releases one portal's waiters in arrival order, pacing
// them against the bucket and the minimum request interval. It exits
// when the queue drains; the next Admit starts a fresh one.
func (limiter *Limiter) processQueue(domain string, t *tenant) {
	for {
		limiter.mu.Lock()
		now := time.Now()
		t.leak(now, limiter.config.LeakRate)

		if len(t.queue) == 0 {
			t.processing = false
			limiter.mu.Unlock()
			limiter.maybeSweep()
			return
		}

		var pause time.Duration
		switch {
		case now.Before(t.blockedUntil):
			pause = t.blockedUntil.Sub(now)
		case !t.lastRequest.IsZero() && now.Sub(t.lastRequest) < limiter.config.MinRequestInterval:
			pause = limiter.config.MinRequestInterval - now.Sub(t.lastRequest)
		case t.counter >= limiter.config.MaxBucket:
			pause = limiter.drainPause()
		}
		if pause > 0 {
			limiter.mu.Unlock()
			if !limiter.sleep(pause) {
				limiter.mu.Lock()
				t.processing = false
				limiter.mu.Unlock()
				return
			}
			continue
		}

		w := t.queue[0]
		t.queue = t.queue[1:]
		t.counter++
		t.lastRequest = now
		t.lastActivity = now
		t.total++
		close(w.release)
		limiter.mu.Unlock()
	}
}

// leak drains the bucket for the time elapsed since the last update and
// clears an expired block.
func (t *tenant) leak(now time.Time, leakRate float64) {
	if !t.lastUpdate.IsZero() {
		elapsed := now.Sub(t.lastUpdate).Seconds()
		t.counter = math.Max(0, t.counter-elapsed*leakRate)
	}
	t.lastUpdate = now
	if !t.blockedUntil.IsZero() && now.After(t.blockedUntil) {
		t.blockedUntil = time.Time{}
	}
}

// drainPause is how long one request unit takes to leak out of a full
// bucket, rounded up to a millisecond.
func (limiter *Limiter) drainPause() time.Duration {
	return time.Duration(math.Ceil(1000/limiter.config.LeakRate)) * time.Millisecond
}

func (limiter *Limiter) sleep(pause time.Duration) bool {
	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-limiter.closed:
		return false
	}
}

func (limiter *Limiter) removeWaiter(t *tenant, w *waiter) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	for i, queued := range t.queue {
		if queued == w {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
}

// maybeSweep runs a sweep when enough time passed since the last one,
// so the tenant map shrinks even when Run is never started.
func (limiter *Limiter) maybeSweep() {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()
	if now.Sub(limiter.lastSweep) < limiter.config.SweepInterval {
		return
	}
	limiter.sweepLocked(now)
}

func (limiter *Limiter) sweepLocked(now time.Time) {
	dropped := 0
	for domain, t := range limiter.tenants {
		if t.processing || len(t.queue) > 0 {
			continue
		}
		if now.Sub(t.lastActivity) >= limiter.config.IdleExpiration {
			delete(limiter.tenants, domain)
			dropped++
		}
	}
	limiter.lastSweep = now
	if dropped > 0 {
		limiter.log.Debug("dropped idle portal state", zap.Int("dropped", dropped))
	}
	mon.IntVal("ratelimit_active_portals").Observe(int64(len(limiter.tenants)))
}
