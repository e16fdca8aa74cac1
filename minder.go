package minder

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/aidekit/minder/internal/config"
	"github.com/aidekit/minder/internal/endpoint"
	"github.com/aidekit/minder/internal/health"
	"github.com/aidekit/minder/internal/history"
	historyfactory "github.com/aidekit/minder/internal/history/factory"
	"github.com/aidekit/minder/internal/journal"
	journalfactory "github.com/aidekit/minder/internal/journal/factory"
	"github.com/aidekit/minder/internal/metrics"
	"github.com/aidekit/minder/internal/queue"
	iapi "github.com/aidekit/minder/internal/server"
	"github.com/aidekit/minder/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = supervisor.Options

type Status = supervisor.Status

type State = supervisor.State

const (
	StateStopped    = supervisor.StateStopped
	StateStarting   = supervisor.StateStarting
	StateReady      = supervisor.StateReady
	StateRestarting = supervisor.StateRestarting
	StateDegraded   = supervisor.StateDegraded
)

// Task is a unit of work dispatched to the companion once it is ready.
type Task = queue.Task

type ServerEndpoint = endpoint.ServerEndpoint

type JournalStore = journal.Store

type JournalRecord = journal.Record

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Sentinel errors surfaced by Supervisor methods, re-exported so callers
// can match them with errors.Is.
var (
	ErrDegraded       = supervisor.ErrDegraded
	ErrStartupTimeout = health.ErrStartupTimeout
	ErrServerNotReady = queue.ErrServerNotReady
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.

type Supervisor struct{ inner *supervisor.Supervisor }

func New(opts Options) *Supervisor { return &Supervisor{inner: supervisor.New(opts)} }

func (s *Supervisor) Start(ctx context.Context) (bool, error) { return s.inner.Start(ctx) }
func (s *Supervisor) Stop() error                             { return s.inner.Stop() }
func (s *Supervisor) Reset() error                            { return s.inner.Reset() }
func (s *Supervisor) Shutdown() error                         { return s.inner.Shutdown() }
func (s *Supervisor) Status() Status                          { return s.inner.Status() }
func (s *Supervisor) State() State                            { return s.inner.State() }
func (s *Supervisor) Ready() bool                             { return s.inner.Ready() }
func (s *Supervisor) Endpoint() ServerEndpoint                { return s.inner.Endpoint() }
func (s *Supervisor) Do(ctx context.Context, task Task) error { return s.inner.Do(ctx, task) }
func (s *Supervisor) Submit(task Task) <-chan error           { return s.inner.Submit(task) }

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.Load(path)
}

// NewJournal opens a lifecycle-event store from a DSN. Supported schemes are
// sqlite:// (or a bare file path) and postgres://.
func NewJournal(dsn string) (JournalStore, error) {
	return journalfactory.NewFromDSN(dsn)
}

// NewHistorySink builds an export sink from a DSN such as clickhouse:// or
// opensearch://. Sinks receive lifecycle events best-effort.
func NewHistorySink(dsn string) (HistorySink, error) {
	return historyfactory.NewSinkFromDSN(dsn)
}

// NewHTTPServer starts an HTTP server exposing the control API backed by the
// given supervisor. The journal store may be nil; the journal endpoint then
// answers 404.
func NewHTTPServer(addr, basePath string, s *Supervisor, store JournalStore) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner, store)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
