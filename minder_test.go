package minder

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aidekit/minder/internal/metrics"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func waitUntil(t *testing.T, timeout, step time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func TestSupervisorFacadeStartStatusStop(t *testing.T) {
	requireUnix(t)
	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthSrv.Close()

	s := New(Options{
		Name:           "facade",
		BasePort:       42500,
		Command:        `echo "INFO: Application startup complete."; sleep 30`,
		HealthURL:      healthSrv.URL + "/health",
		StartupTimeout: 5 * time.Second,
		KillGrace:      500 * time.Millisecond,
		SettleDelay:    20 * time.Millisecond,
		AttemptDelay:   10 * time.Millisecond,
		HealthTTL:      10 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
		RetryTimeout:   200 * time.Millisecond,
		LoopInterval:   50 * time.Millisecond,
		LoopMin:        20 * time.Millisecond,
		LoopMax:        200 * time.Millisecond,
		QueuePause:     time.Millisecond,
		SampleInterval: time.Minute,
	})
	defer func() { _ = s.Shutdown() }()

	ok, err := s.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	st := s.Status()
	if st.State != "ready" || st.PID == 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !s.Ready() || s.State() != StateReady {
		t.Fatalf("expected ready state, got %v", s.State())
	}
	ran := make(chan struct{})
	if err := s.Do(context.Background(), func() error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Fatal("task did not run")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !waitUntil(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return s.State() == StateStopped
	}) {
		t.Fatalf("expected stopped, got %v", s.State())
	}
}

func TestSubmitRejectedWhileStopped(t *testing.T) {
	s := New(Options{Name: "facade-idle", SampleInterval: time.Minute})
	defer func() { _ = s.Shutdown() }()

	if err := <-s.Submit(func() error { return nil }); !errors.Is(err, ErrServerNotReady) {
		t.Fatalf("Submit while stopped: got %v, want ErrServerNotReady", err)
	}
	if err := s.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrServerNotReady) {
		t.Fatalf("Do while stopped: got %v, want ErrServerNotReady", err)
	}
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	cfg := `
[companion]
name = "aide"
base_port = 8100
command = "sleep 1"

[restart]
sequence_cap = 5

[server]
listen = "127.0.0.1:9411"
base_path = "/api"
`
	p := filepath.Join(dir, "cfg.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	config, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Companion.BasePort != 8100 {
		t.Fatalf("base_port: %d", config.Companion.BasePort)
	}
	if config.Server == nil || config.Server.Listen != "127.0.0.1:9411" {
		t.Fatalf("server config: %+v", config.Server)
	}
	opts, err := config.SupervisorOptions()
	if err != nil {
		t.Fatalf("SupervisorOptions: %v", err)
	}
	if opts.SequenceCap != 5 || opts.Command != "sleep 1" {
		t.Fatalf("options not mapped: %+v", opts)
	}
}

func TestJournalAndSinkFactories(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJournal("sqlite://" + filepath.Join(dir, "j.db"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := NewJournal(""); err == nil {
		t.Fatal("expected error for empty journal DSN")
	}
	if _, err := NewHistorySink("bogus://x"); err == nil {
		t.Fatal("expected error for unsupported sink DSN")
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("metrics handler status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("metrics output missing runtime metrics: %s", rr.Body.String()[:120])
	}
}

func TestNewHTTPServerServesStatus(t *testing.T) {
	// Grab a free loopback port, then hand it to the facade server.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	s := New(Options{Name: "facade-http", SampleInterval: time.Minute})
	defer func() { _ = s.Shutdown() }()

	srv, err := NewHTTPServer(addr, "/api", s, nil)
	if err != nil {
		t.Fatalf("NewHTTPServer: %v", err)
	}
	defer func() { _ = srv.Close() }()

	var resp *http.Response
	if !waitUntil(t, 3*time.Second, 50*time.Millisecond, func() bool {
		r, err := http.Get("http://" + addr + "/api/status")
		if err != nil {
			return false
		}
		resp = r
		return true
	}) {
		t.Fatal("control API never came up")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
}
