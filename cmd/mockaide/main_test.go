package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T, opts options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newMockAide(opts).routes())
	t.Cleanup(srv.Close)
	return srv
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return buf.String()
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, options{host: "127.0.0.1", port: 8000})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := gjson.Get(body, "status").String(); got != "ok" {
		t.Fatalf("status field = %q, want ok", got)
	}
	if got := gjson.Get(body, "config.port").Int(); got != 8000 {
		t.Fatalf("config.port = %d, want 8000", got)
	}
	if got := gjson.Get(body, "version").String(); got != backendVersion {
		t.Fatalf("version = %q, want %q", got, backendVersion)
	}
}

func TestHealthFlapping(t *testing.T) {
	srv := newTestServer(t, options{host: "127.0.0.1", port: 8000, flapHealth: 30 * time.Millisecond})

	seen := map[int]bool{}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && (!seen[http.StatusOK] || !seen[http.StatusServiceUnavailable]) {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("get health: %v", err)
		}
		resp.Body.Close()
		seen[resp.StatusCode] = true
		time.Sleep(10 * time.Millisecond)
	}
	if !seen[http.StatusOK] || !seen[http.StatusServiceUnavailable] {
		t.Fatalf("expected both healthy and failing phases, saw %v", seen)
	}
}

func TestIntentClassification(t *testing.T) {
	srv := newTestServer(t, options{})

	cases := []struct {
		text    string
		intent  string
		autoFix bool
	}{
		{"please format this file", "format_code", true},
		{"fix the error on line 3", "fix_errors", true},
		{"explain what this does", "explain_code", false},
		{"hello there", "general_help", false},
	}
	for _, tc := range cases {
		payload, _ := json.Marshal(map[string]string{"user_text": tc.text})
		resp, err := http.Post(srv.URL+"/api/v1/intent", "application/json", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("post intent: %v", err)
		}
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%q: status = %d, body %s", tc.text, resp.StatusCode, body)
		}
		if got := gjson.Get(body, "intent").String(); got != tc.intent {
			t.Errorf("%q: intent = %q, want %q", tc.text, got, tc.intent)
		}
		if got := gjson.Get(body, "auto_fix").Bool(); got != tc.autoFix {
			t.Errorf("%q: auto_fix = %v, want %v", tc.text, got, tc.autoFix)
		}
	}
}

func TestIntentRejectsEmptyText(t *testing.T) {
	srv := newTestServer(t, options{})
	resp, err := http.Post(srv.URL+"/api/v1/intent", "application/json", strings.NewReader(`{"user_text":"  "}`))
	if err != nil {
		t.Fatalf("post intent: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestChatEndpoint(t *testing.T) {
	srv := newTestServer(t, options{})
	resp, err := http.Post(srv.URL+"/chat/", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post chat: %v", err)
	}
	body := readBody(t, resp)
	if !gjson.Get(body, "success").Bool() {
		t.Fatalf("success = false, body %s", body)
	}
	if got := gjson.Get(body, "response").String(); !strings.Contains(got, "hi") {
		t.Fatalf("response %q does not echo the message", got)
	}
}

func TestModelsEndpoint(t *testing.T) {
	srv := newTestServer(t, options{})
	resp, err := http.Get(srv.URL + "/models")
	if err != nil {
		t.Fatalf("get models: %v", err)
	}
	body := readBody(t, resp)
	if got := gjson.Get(body, "models.#").Int(); got != 1 {
		t.Fatalf("models count = %d, want 1", got)
	}
	if got := gjson.Get(body, "backend_version").String(); got != backendVersion {
		t.Fatalf("backend_version = %q", got)
	}
}

func TestWebSocketDialogue(t *testing.T) {
	srv := newTestServer(t, options{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var greeting map[string]any
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting["type"] != "connection_established" {
		t.Fatalf("greeting type = %v", greeting["type"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read keepalive: %v", err)
	}
	if reply["type"] != "keepalive" {
		t.Fatalf("ping reply type = %v", reply["type"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "query", "text": "hello"}); err != nil {
		t.Fatalf("write query: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read query reply: %v", err)
	}
	if reply["type"] != "query_response" {
		t.Fatalf("query reply type = %v", reply["type"])
	}
}

func TestStartupAndFailureLines(t *testing.T) {
	var buf bytes.Buffer
	printStartupLines(&buf, "127.0.0.1", 8000)
	out := buf.String()
	if !strings.Contains(out, "Application startup complete.") {
		t.Fatalf("startup lines missing completion marker: %s", out)
	}
	if !strings.Contains(out, "Uvicorn running on http://127.0.0.1:8000") {
		t.Fatalf("startup lines missing serving marker: %s", out)
	}

	buf.Reset()
	printBindError(&buf, "127.0.0.1", 8000)
	if !strings.Contains(buf.String(), "address already in use") {
		t.Fatalf("bind error missing marker: %s", buf.String())
	}

	buf.Reset()
	printMissingModule(&buf)
	if !strings.Contains(buf.String(), "No module named 'src'") {
		t.Fatalf("import error missing marker: %s", buf.String())
	}
}

func TestParseFlagsEnvPrecedence(t *testing.T) {
	t.Setenv("AIDE_HOST", "0.0.0.0")
	t.Setenv("AIDE_PORT", "9100")

	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.host != "0.0.0.0" || opts.port != 9100 {
		t.Fatalf("env not honored: %s:%d", opts.host, opts.port)
	}

	opts, err = parseFlags([]string{"--host", "127.0.0.1", "--port", "9200"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.host != "127.0.0.1" || opts.port != 9200 {
		t.Fatalf("flags should override env: %s:%d", opts.host, opts.port)
	}

	t.Setenv("AIDE_PORT", "not-a-port")
	if _, err := parseFlags(nil); err == nil {
		t.Fatal("expected error for invalid AIDE_PORT")
	}
}

func TestRunWritesSentinelAndCrashes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sentinel := filepath.Join(t.TempDir(), "mockaide.pid")
	done := make(chan int, 1)
	go func() {
		done <- run(options{
			host:      "127.0.0.1",
			port:      port,
			sentinel:  sentinel,
			quiet:     true,
			exitAfter: 400 * time.Millisecond,
		})
	}()

	var sawSentinel bool
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(sentinel); err == nil {
			if _, err := strconv.Atoi(string(data)); err != nil {
				t.Fatalf("sentinel content %q is not a pid", data)
			}
			sawSentinel = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawSentinel {
		t.Fatal("sentinel file never appeared")
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
	if err != nil {
		t.Fatalf("health while running: %v", err)
	}
	resp.Body.Close()

	select {
	case code := <-done:
		if code != 3 {
			t.Fatalf("exit code = %d, want 3", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not crash on schedule")
	}
	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Fatal("sentinel not removed after exit")
	}
}

func TestRunReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if code := run(options{host: "127.0.0.1", port: port, quiet: true}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunReportsMissingModule(t *testing.T) {
	if code := run(options{missingModule: true}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
