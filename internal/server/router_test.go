package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/minder/internal/journal"
	"github.com/aidekit/minder/internal/journal/sqlite"
	"github.com/aidekit/minder/internal/supervisor"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

const companionCmd = `echo "INFO: Application startup complete."; sleep 30`

// newTestSupervisor builds a supervisor on a throwaway companion command and
// a flippable fake health endpoint.
func newTestSupervisor(t *testing.T, name, cmdline string, healthy bool) (*supervisor.Supervisor, *atomic.Bool) {
	t.Helper()
	var flag atomic.Bool
	flag.Store(healthy)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if flag.Load() {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	}))
	t.Cleanup(hs.Close)

	s := supervisor.New(supervisor.Options{
		Name:           name,
		BasePort:       42300,
		Command:        cmdline,
		HealthURL:      hs.URL,
		StartupTimeout: 5 * time.Second,
		KillGrace:      500 * time.Millisecond,
		SettleDelay:    20 * time.Millisecond,
		AttemptDelay:   10 * time.Millisecond,
		LaunchAttempts: 2,
		SequenceCap:    2,
		Cooldown:       time.Minute,
		FailureTrigger: 2,
		HealthTTL:      10 * time.Millisecond,
		ProbeTimeout:   500 * time.Millisecond,
		RetryTimeout:   200 * time.Millisecond,
		LoopInterval:   40 * time.Millisecond,
		LoopMin:        20 * time.Millisecond,
		LoopMax:        150 * time.Millisecond,
		QueuePause:     time.Millisecond,
		SampleInterval: time.Minute,
	})
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, &flag
}

func setupRouter(t *testing.T, sup *supervisor.Supervisor, store journal.Store, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(sup, store, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusIdleSupervisor(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-status", "sleep 30", true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "api-status", st.Name)
	require.Equal(t, "stopped", st.State)
	require.False(t, st.Ready)
}

func TestStartStopRoundTrip(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, "api-lifecycle", companionCmd, true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodPost, "/api/start?wait=8s", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sr startResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sr))
	require.True(t, sr.OK)
	require.Equal(t, "ready", sr.State)

	rec = doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.True(t, st.Ready)
	require.Greater(t, st.PID, 0)

	rec = doReq(t, h, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "stopped", sup.State().String())

	rec = doReq(t, h, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRejectsInvalidWait(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-wait", "sleep 30", true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodPost, "/api/start?wait=banana", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid wait")
}

func TestStartFailureSurfacesUpstreamError(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, "api-fail", "exit 7", false)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodPost, "/api/start?wait=8s", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "exited before becoming ready")
}

func TestRequestRejectedWhileNotReady(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-gate", "sleep 30", true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodPost, "/api/request", dispatchReq{Path: "/api/v1/intent"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "not ready")
}

func TestRequestValidation(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-validate", "sleep 30", true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodPost, "/api/request", dispatchReq{Method: "TRACE"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported method")

	rec = doReq(t, h, http.MethodPost, "/api/request", dispatchReq{Path: "no-slash"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid path")

	rec = doReq(t, h, http.MethodPost, "/api/request", dispatchReq{Path: "/../etc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// hostRewriteTransport sends every request to target regardless of the URL's
// host, standing in for a companion bound on the supervisor's endpoint.
type hostRewriteTransport struct{ target string }

func (rt hostRewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Host = rt.target
	return http.DefaultTransport.RoundTrip(clone)
}

func TestRequestDispatchesThroughQueue(t *testing.T) {
	requireUnix(t)

	var gotPath atomic.Value
	companion := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath.Store(req.Method + " " + req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"intent":"handled"}`))
	}))
	t.Cleanup(companion.Close)
	cu, err := url.Parse(companion.URL)
	require.NoError(t, err)

	sup, _ := newTestSupervisor(t, "api-dispatch", companionCmd, true)
	r := NewRouter(sup, nil, DefaultBasePath)
	r.DispatchClient = &http.Client{
		Transport: hostRewriteTransport{target: cu.Host},
		Timeout:   2 * time.Second,
	}
	gin.SetMode(gin.TestMode)
	h := r.Handler()

	rec := doReq(t, h, http.MethodPost, "/api/start?wait=8s", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/request", dispatchReq{
		Body: json.RawMessage(`{"prompt":"hello"}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out dispatchResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, http.StatusOK, out.Status)
	require.JSONEq(t, `{"intent":"handled"}`, string(out.Body))
	require.Equal(t, "POST /api/v1/intent", gotPath.Load())
}

func TestJournalEndpoint(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-journal", "sleep 30", true)

	store, err := sqlite.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := t.Context()
	require.NoError(t, store.EnsureSchema(ctx))
	for _, ev := range []string{journal.EventLaunch, journal.EventReady, journal.EventStop} {
		require.NoError(t, store.Append(ctx, journal.Record{
			Name: "api-journal", Event: ev, State: "x", PID: 1, Port: 4242,
		}))
	}

	h := setupRouter(t, sup, store, DefaultBasePath)
	rec := doReq(t, h, http.MethodGet, "/api/journal?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var recs []journal.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 2)

	rec = doReq(t, h, http.MethodGet, "/api/journal?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJournalEndpointWithoutStore(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-nojournal", "sleep 30", true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodGet, "/api/journal", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-healthz", "sleep 30", true)
	h := setupRouter(t, sup, nil, DefaultBasePath)

	rec := doReq(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBasePathVariants(t *testing.T) {
	sup, _ := newTestSupervisor(t, "api-base", "sleep 30", true)

	h := setupRouter(t, sup, nil, "abc")
	rec := doReq(t, h, http.MethodGet, "/abc/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	h = setupRouter(t, sup, nil, "")
	rec = doReq(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
