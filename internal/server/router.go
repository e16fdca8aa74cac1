package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aidekit/minder/internal/journal"
	"github.com/aidekit/minder/internal/metrics"
	"github.com/aidekit/minder/internal/queue"
	"github.com/aidekit/minder/internal/supervisor"
)

// Router provides embeddable HTTP handlers for driving the supervisor.
// Endpoints:
//   GET  {basePath}/status    supervisor and companion snapshot
//   POST {basePath}/start     bring the companion up; query: wait=10s
//   POST {basePath}/stop      stop the companion, disable auto-restart
//   POST {basePath}/reset     clear restart counters, leave degraded
//   POST {basePath}/request   dispatch one request through the queue
//   GET  {basePath}/journal   recent lifecycle events; query: limit=50
//   GET  /healthz             the supervisor's own liveness
//   GET  /metrics             prometheus metrics
// basePath may be empty or start with '/'; no trailing slash.

const (
	// DefaultBasePath prefixes the supervisor endpoints.
	DefaultBasePath = "/api"

	// defaultStartWait bounds how long POST /start blocks before answering
	// 202; it must stay below the server write timeout.
	defaultStartWait = 10 * time.Second

	defaultDispatchTimeout = 10 * time.Second
	defaultIntentPath      = "/api/v1/intent"
	maxDispatchBody        = 1 << 20
	maxJournalLimit        = 500
)

type Router struct {
	sup      *supervisor.Supervisor
	journal  journal.Store
	basePath string

	// DispatchClient performs companion requests for POST /request; nil uses
	// a client with the default dispatch timeout.
	DispatchClient *http.Client
}

// NewRouter constructs a Router with a configurable basePath. A nil store
// disables the journal endpoint.
func NewRouter(sup *supervisor.Supervisor, store journal.Store, basePath string) *Router {
	return &Router{sup: sup, journal: store, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/reset", r.handleReset)
	group.POST("/request", r.handleRequest)
	group.GET("/journal", r.handleJournal)
	g.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. The
// returned server is shut down by the caller via Close or Shutdown.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, store journal.Store) (*http.Server, error) {
	r := NewRouter(sup, store, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startResp struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

// handleStart blocks up to the wait bound for the launch outcome. A launch
// still in flight answers 202 and continues in the background; callers poll
// /status.
func (r *Router) handleStart(c *gin.Context) {
	wait := defaultStartWait
	if q := c.Query("wait"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration: " + q})
			return
		}
		wait = d
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	ok, err := r.sup.Start(ctx)
	switch {
	case err == nil && ok:
		writeJSON(c, http.StatusOK, startResp{OK: true, State: r.sup.State().String()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(c, http.StatusAccepted, startResp{OK: false, State: r.sup.State().String()})
	case errors.Is(err, supervisor.ErrDegraded):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		msg := "start failed"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: msg})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sup.Stop(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.sup.Reset(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type dispatchReq struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body"`
}

type dispatchResp struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// handleRequest forwards one request to the companion through the request
// queue, so it observes the same FIFO ordering and readiness gating as every
// other caller. Meant for debugging intents against a live companion.
func (r *Router) handleRequest(c *gin.Context) {
	req := dispatchReq{Method: http.MethodPost, Path: defaultIntentPath}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Path == "" {
		req.Path = defaultIntentPath
	}
	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unsupported method: " + req.Method})
		return
	}
	if !isSafeRequestPath(req.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path: must start with '/' and contain no traversal"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultDispatchTimeout)
	defer cancel()

	var out dispatchResp
	err := r.sup.Do(ctx, func() error {
		url := r.sup.Endpoint().BaseURL() + req.Path
		hreq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
		if err != nil {
			return err
		}
		if len(req.Body) > 0 {
			hreq.Header.Set("Content-Type", "application/json")
		}
		resp, err := r.dispatchClient().Do(hreq)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxDispatchBody))
		if err != nil {
			return err
		}
		out.Status = resp.StatusCode
		if json.Valid(b) {
			out.Body = b
		} else if len(b) > 0 {
			out.Body, _ = json.Marshal(string(b))
		}
		return nil
	})
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, out)
	case errors.Is(err, queue.ErrServerNotReady):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleJournal(c *gin.Context) {
	if r.journal == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "journal not configured"})
		return
	}
	limit := 50
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > maxJournalLimit {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit: " + q})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	recs, err := r.journal.Recent(ctx, r.sup.Status().Name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok", "state": r.sup.State().String()})
}

func (r *Router) dispatchClient() *http.Client {
	if r.DispatchClient != nil {
		return r.DispatchClient
	}
	return &http.Client{Timeout: defaultDispatchTimeout}
}
