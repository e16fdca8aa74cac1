package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func waitUntilH(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

func TestLoopShrinksTowardFloorWhileUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(okHandler))
	url := srv.URL
	srv.Close() // every probe is refused

	c := &Checker{Name: "aide", URL: url, TTL: time.Millisecond}
	var results atomic.Int32
	l := NewLoop(c, LoopOptions{
		Interval: 40 * time.Millisecond,
		Min:      10 * time.Millisecond,
		Max:      200 * time.Millisecond,
		OnResult: func(healthy bool, failures int) {
			if healthy {
				t.Error("probe against closed server reported healthy")
			}
			results.Add(1)
		},
	})
	l.Start()
	defer l.Stop()

	if !waitUntilH(3*time.Second, 10*time.Millisecond, func() bool { return l.Failures() >= 3 }) {
		t.Fatalf("consecutive failures = %d, want >= 3", l.Failures())
	}
	if !waitUntilH(3*time.Second, 10*time.Millisecond, func() bool { return l.Interval() == 10*time.Millisecond }) {
		t.Fatalf("interval = %v, want floor 10ms", l.Interval())
	}
	if results.Load() < 3 {
		t.Fatalf("OnResult calls = %d, want >= 3", results.Load())
	}
}

func TestLoopRecoveryResetsFailuresAndGrowsInterval(t *testing.T) {
	var healthyNow atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthyNow.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		okHandler(w, r)
	}))
	defer srv.Close()

	c := &Checker{Name: "aide", URL: srv.URL, TTL: time.Millisecond}
	l := NewLoop(c, LoopOptions{
		Interval: 30 * time.Millisecond,
		Min:      10 * time.Millisecond,
		Max:      120 * time.Millisecond,
	})
	l.Start()
	defer l.Stop()

	if !waitUntilH(3*time.Second, 10*time.Millisecond, func() bool { return l.Failures() >= 2 }) {
		t.Fatalf("failures = %d, want >= 2 before recovery", l.Failures())
	}
	healthyNow.Store(true)
	if !waitUntilH(3*time.Second, 10*time.Millisecond, func() bool { return l.Failures() == 0 }) {
		t.Fatalf("failures = %d, want 0 after recovery", l.Failures())
	}
	if !waitUntilH(3*time.Second, 10*time.Millisecond, func() bool { return l.Interval() > 10*time.Millisecond }) {
		t.Fatalf("interval = %v, should grow after recovery", l.Interval())
	}
}

func TestLoopIntervalRespectsCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(okHandler))
	defer srv.Close()

	c := &Checker{Name: "aide", URL: srv.URL, TTL: time.Millisecond}
	l := NewLoop(c, LoopOptions{
		Interval: 20 * time.Millisecond,
		Min:      10 * time.Millisecond,
		Max:      45 * time.Millisecond,
	})
	l.Start()
	defer l.Stop()

	if !waitUntilH(3*time.Second, 10*time.Millisecond, func() bool { return l.Interval() == 45*time.Millisecond }) {
		t.Fatalf("interval = %v, want ceiling 45ms", l.Interval())
	}
	time.Sleep(150 * time.Millisecond)
	if l.Interval() != 45*time.Millisecond {
		t.Fatalf("interval exceeded ceiling: %v", l.Interval())
	}
}

func TestLoopStopIsIdempotentAndHaltsProbing(t *testing.T) {
	var calls atomic.Int32
	srv := healthServer(t, &calls, okHandler)

	c := &Checker{Name: "aide", URL: srv.URL, TTL: time.Millisecond}
	l := NewLoop(c, LoopOptions{Interval: 15 * time.Millisecond, Min: 10 * time.Millisecond, Max: 50 * time.Millisecond})

	l.Stop() // stop before start is a no-op
	l.Start()
	if !waitUntilH(2*time.Second, 5*time.Millisecond, func() bool { return calls.Load() >= 2 }) {
		t.Fatal("loop never probed")
	}
	l.Stop()
	l.Stop()

	// Let any in-flight tick drain, then verify probing stopped.
	time.Sleep(200 * time.Millisecond)
	before := calls.Load()
	time.Sleep(200 * time.Millisecond)
	if after := calls.Load(); after != before {
		t.Fatalf("probes continued after Stop: %d -> %d", before, after)
	}
}

func TestLoopRestartAfterStop(t *testing.T) {
	var calls atomic.Int32
	srv := healthServer(t, &calls, okHandler)

	c := &Checker{Name: "aide", URL: srv.URL, TTL: time.Millisecond}
	l := NewLoop(c, LoopOptions{Interval: 15 * time.Millisecond, Min: 10 * time.Millisecond, Max: 50 * time.Millisecond})
	l.Start()
	if !waitUntilH(2*time.Second, 5*time.Millisecond, func() bool { return calls.Load() >= 1 }) {
		t.Fatal("loop never probed")
	}
	l.Stop()
	time.Sleep(100 * time.Millisecond)

	before := calls.Load()
	l.Start()
	if !waitUntilH(2*time.Second, 5*time.Millisecond, func() bool { return calls.Load() > before }) {
		t.Fatal("loop did not resume after restart")
	}
	l.Stop()
}
