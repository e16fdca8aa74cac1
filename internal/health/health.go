package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aidekit/minder/internal/metrics"
)

const (
	// DefaultTTL is how long a probe result is served from cache.
	DefaultTTL = 2 * time.Second
	// DefaultProbeTimeout bounds the first probe attempt.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultRetryTimeout bounds the single retry after a failed probe.
	DefaultRetryTimeout = 2 * time.Second

	maxHealthBody = 1 << 20
)

// ErrStartupTimeout is returned by WaitReady when the companion does not
// become ready within the startup bound.
var ErrStartupTimeout = errors.New("companion startup timed out")

// Gate reports launch-time readiness gathered outside the health endpoint,
// such as output markers or a sentinel file. Err reports a critical startup
// failure that makes further waiting pointless.
type Gate interface {
	Ready() bool
	Err() error
}

// Checker probes the companion's health endpoint and caches the result.
// The zero value is not usable; set URL first. All methods are safe for
// concurrent use and the cache guarantees at most one network probe per TTL
// window no matter how many callers ask.
type Checker struct {
	Name         string
	URL          string
	Client       *http.Client
	TTL          time.Duration
	ProbeTimeout time.Duration
	RetryTimeout time.Duration
	Logger       *slog.Logger

	mu         sync.Mutex
	lastProbe  time.Time
	lastResult bool
	probed     bool
}

// IsHealthy returns the cached result when it is younger than TTL, otherwise
// it probes the endpoint (with one retry on failure) and caches the outcome,
// healthy or not. The mutex is held across the probe so concurrent callers
// coalesce onto a single network call.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.probed && time.Since(c.lastProbe) < c.ttl() {
		return c.lastResult
	}
	result := c.probe(ctx, c.probeTimeout())
	if !result {
		result = c.probe(ctx, c.retryTimeout())
	}
	c.lastProbe = time.Now()
	c.lastResult = result
	c.probed = true
	return result
}

// Invalidate drops the cached result so the next IsHealthy probes again.
func (c *Checker) Invalidate() {
	c.mu.Lock()
	c.probed = false
	c.mu.Unlock()
}

// Last returns the most recent probe result and its timestamp. ok is false
// when no probe has completed since the last Invalidate.
func (c *Checker) Last() (healthy bool, at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult, c.lastProbe, c.probed
}

// probe performs one GET against the endpoint. Healthy means HTTP 200 and a
// JSON body whose status field equals "ok". Any transport error, non-200
// status, or malformed body is unhealthy.
func (c *Checker) probe(ctx context.Context, timeout time.Duration) bool {
	ok := c.probeOnce(ctx, timeout)
	metrics.IncHealthProbe(c.Name, ok)
	return ok
}

func (c *Checker) probeOnce(ctx context.Context, timeout time.Duration) bool {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client().Do(req)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Debug("health probe failed", "url", c.URL, "error", err)
		}
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return false
	}
	return gjson.GetBytes(body, "status").String() == "ok"
}

// WaitReady blocks until the gate reports ready and a health probe confirms,
// polling on a progressive interval: 100ms for the first 5s, 500ms until 10s,
// then 1s. It fails with ErrStartupTimeout once timeout elapses, and aborts
// immediately when the gate records a critical startup error. A nil gate
// waits on health alone.
func (c *Checker) WaitReady(ctx context.Context, timeout time.Duration, gate Gate) error {
	start := time.Now()
	for {
		if gate != nil {
			if err := gate.Err(); err != nil {
				return err
			}
		}
		if (gate == nil || gate.Ready()) && c.IsHealthy(ctx) {
			return nil
		}
		elapsed := time.Since(start)
		if elapsed >= timeout {
			return fmt.Errorf("no response after %s: %w", timeout, ErrStartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval(elapsed)):
		}
	}
}

func pollInterval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < 5*time.Second:
		return 100 * time.Millisecond
	case elapsed < 10*time.Second:
		return 500 * time.Millisecond
	default:
		return time.Second
	}
}

func (c *Checker) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Checker) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

func (c *Checker) probeTimeout() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return DefaultProbeTimeout
}

func (c *Checker) retryTimeout() time.Duration {
	if c.RetryTimeout > 0 {
		return c.RetryTimeout
	}
	return DefaultRetryTimeout
}
