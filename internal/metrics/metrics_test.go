package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Exercise helpers; they should work only after Register
	IncStart("aide")
	IncStart("aide")
	IncRestartSequence("aide")
	IncStop("aide")
	ObserveStartupDuration("aide", 3.5)
	IncHealthProbe("aide", true)
	IncHealthProbe("aide", false)
	SetConsecutiveFailures("aide", 2)
	SetQueueDepth("aide", 4)
	IncQueueTask("aide", "ok")
	SetCompanionResources("aide", 12.5, 64<<20)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// Very basic assertions that our metric names exist and have samples
	wantNames := map[string]bool{
		"minder_companion_starts_total":            false,
		"minder_companion_restart_sequences_total": false,
		"minder_companion_stops_total":             false,
		"minder_companion_startup_duration_seconds": false,
		"minder_health_probes_total":                false,
		"minder_health_consecutive_failures":        false,
		"minder_queue_depth":                        false,
		"minder_queue_tasks_total":                  false,
		"minder_companion_cpu_percent":              false,
		"minder_companion_memory_rss_bytes":         false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHealthProbeResultLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	IncHealthProbe("labels", true)
	IncHealthProbe("labels", false)
	IncHealthProbe("labels", false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, mf := range mfs {
		if mf.GetName() != "minder_health_probes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" {
					seen[lp.GetValue()] = true
				}
			}
		}
	}
	if !seen["healthy"] || !seen["unhealthy"] {
		t.Fatalf("expected both result labels, got %v", seen)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Ensure collectors are registered with the default registry used by Handler().
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	// touch some metrics
	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "minder_companion_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestartSequence("c")
			IncStop("c")
			IncHealthProbe("c", false)
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	// Reset registration status to test behavior before registration
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncStart("test")
	IncRestartSequence("test")
	IncStop("test")
	ObserveStartupDuration("test", 1.0)
	IncHealthProbe("test", true)
	SetConsecutiveFailures("test", 1)
	SetQueueDepth("test", 2)
	IncQueueTask("test", "error")
	RecordStateTransition("test", "starting", "ready")
	SetCurrentState("test", "ready", true)
	SetCompanionResources("test", 1.0, 1024)

	// No crash means success
}

func TestRegisterError(t *testing.T) {
	// Create a custom registerer that returns a non-AlreadyRegisteredError
	errorRegisterer := &errorRegisterer{
		shouldError: true,
	}

	// Reset regOK to allow testing registration failure
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(errorRegisterer)
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
