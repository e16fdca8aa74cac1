package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aidekit/minder/internal/metrics"
)

const (
	// DefaultLoopInterval is the steady-state starting interval.
	DefaultLoopInterval = 5 * time.Second
	// DefaultLoopMin is the floor the interval shrinks toward while unhealthy.
	DefaultLoopMin = 2 * time.Second
	// DefaultLoopMax is the ceiling the interval grows toward while healthy.
	DefaultLoopMax = 15 * time.Second

	shrinkFactor = 0.5
	growFactor   = 1.5
)

// LoopOptions configures the steady-state monitoring loop.
type LoopOptions struct {
	Interval time.Duration
	Min      time.Duration
	Max      time.Duration
	Logger   *slog.Logger
	// OnResult is invoked after every probe with the outcome and the running
	// consecutive-failure count. It is called synchronously before the next
	// timer is armed, so it must not block.
	OnResult func(healthy bool, consecutiveFailures int)
}

// Loop drives periodic health probes with an adaptive interval: each
// unhealthy result halves the interval toward Min and bumps the consecutive
// failure count, each healthy result resets the count and grows the interval
// 1.5x toward Max. Exactly one timer is armed at a time; the next delay is
// computed and re-armed only after the probe returns, so ticks never overlap.
type Loop struct {
	checker *Checker
	opts    LoopOptions

	mu       sync.Mutex
	timer    *time.Timer
	running  bool
	interval time.Duration
	failures int
}

func NewLoop(checker *Checker, opts LoopOptions) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultLoopInterval
	}
	if opts.Min <= 0 {
		opts.Min = DefaultLoopMin
	}
	if opts.Max <= 0 {
		opts.Max = DefaultLoopMax
	}
	return &Loop{checker: checker, opts: opts, interval: opts.Interval}
}

// Start arms the first timer. Starting an already-running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.interval = l.opts.Interval
	l.failures = 0
	l.timer = time.AfterFunc(l.interval, l.tick)
}

// Stop cancels the pending timer. Idempotent; a tick already in flight
// observes the stop and does not re-arm.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// Failures returns the current consecutive-failure count.
func (l *Loop) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Interval returns the current adaptive interval.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *Loop) tick() {
	budget := l.checker.probeTimeout() + l.checker.retryTimeout() + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	healthy := l.checker.IsHealthy(ctx)
	cancel()

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	if healthy {
		l.failures = 0
		l.interval = minDuration(time.Duration(float64(l.interval)*growFactor), l.opts.Max)
	} else {
		l.failures++
		l.interval = maxDuration(time.Duration(float64(l.interval)*shrinkFactor), l.opts.Min)
	}
	failures := l.failures
	next := l.interval
	l.mu.Unlock()

	metrics.SetConsecutiveFailures(l.checker.Name, failures)
	if !healthy && l.opts.Logger != nil {
		l.opts.Logger.Warn("health probe unhealthy",
			"name", l.checker.Name, "consecutive_failures", failures, "next_probe_in", next)
	}
	if l.opts.OnResult != nil {
		l.opts.OnResult(healthy, failures)
	}

	l.mu.Lock()
	if l.running {
		l.timer = time.AfterFunc(next, l.tick)
	}
	l.mu.Unlock()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
