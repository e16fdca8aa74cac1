package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const backendVersion = "2.0.0"

type mockAide struct {
	opts    options
	started time.Time
}

func newMockAide(opts options) *mockAide {
	return &mockAide{opts: opts, started: time.Now()}
}

func (m *mockAide) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", m.handleHealth)
	e.GET("/health/detailed", m.handleHealthDetailed)
	e.GET("/models", m.handleModels)
	e.POST("/api/v1/intent", m.handleIntent)
	e.GET("/api/v1/intent/health", m.handleIntentHealth)
	e.POST("/chat/", m.handleChat)
	e.GET("/chat/history", m.handleChatHistory)
	e.GET("/ws", m.handleWS)
	return e
}

// healthOK reports the current phase of a flapping health check. With no
// flap period configured the backend is always healthy.
func (m *mockAide) healthOK() bool {
	if m.opts.flapHealth <= 0 {
		return true
	}
	phase := time.Since(m.started) / m.opts.flapHealth
	return phase%2 == 0
}

func (m *mockAide) handleHealth(c echo.Context) error {
	if !m.healthOK() {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":  "ok",
		"message": "AIDE backend running - Modular Architecture v2.0",
		"version": backendVersion,
		"services": echo.Map{
			"websocket": true,
			"streaming": true,
			"memory":    true,
			"speech":    false,
			"tools":     5,
		},
		"config": echo.Map{
			"host": m.opts.host,
			"port": m.opts.port,
		},
	})
}

func (m *mockAide) handleHealthDetailed(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":         "ok",
		"version":        backendVersion,
		"uptime_seconds": int(time.Since(m.started).Seconds()),
		"services": echo.Map{
			"chat":   "running",
			"intent": "running",
			"models": "running",
		},
	})
}

func (m *mockAide) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"models":          []string{"mock-local"},
		"current":         "mock-local",
		"total_available": 1,
		"backend_version": backendVersion,
	})
}

type intentRequest struct {
	UserText    string   `json:"user_text"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	Selection   string   `json:"selection,omitempty"`
	FileName    string   `json:"fileName,omitempty"`
}

type parsedIntent struct {
	Intent       string   `json:"intent"`
	Scope        string   `json:"scope"`
	AutoFix      bool     `json:"auto_fix"`
	ToolsNeeded  []string `json:"tools_needed"`
	Confidence   float64  `json:"confidence"`
	ContextHints []string `json:"context_hints"`
}

// intentRules is a keyword sketch of the real classifier, just rich enough
// for integration tests to get distinguishable answers.
var intentRules = []struct {
	intent   string
	keywords []string
	scope    string
	autoFix  bool
	tools    []string
}{
	{"format_code", []string{"format", "indent", "prettify"}, "file", true, []string{"formatter"}},
	{"fix_errors", []string{"fix", "error", "bug"}, "file", true, []string{"linter", "diagnostics"}},
	{"explain_code", []string{"explain", "what does"}, "selection", false, []string{"analyzer"}},
	{"refactor_code", []string{"refactor", "rename", "extract"}, "selection", false, []string{"refactorer"}},
	{"document_code", []string{"document", "docstring"}, "file", false, []string{"doc_generator"}},
}

func classifyIntent(text string) parsedIntent {
	lower := strings.ToLower(text)
	for _, rule := range intentRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return parsedIntent{
					Intent:       rule.intent,
					Scope:        rule.scope,
					AutoFix:      rule.autoFix,
					ToolsNeeded:  rule.tools,
					Confidence:   0.9,
					ContextHints: []string{},
				}
			}
		}
	}
	return parsedIntent{
		Intent:       "general_help",
		Scope:        "workspace",
		AutoFix:      false,
		ToolsNeeded:  []string{"chat"},
		Confidence:   0.3,
		ContextHints: []string{},
	}
}

func (m *mockAide) handleIntent(c echo.Context) error {
	var req intentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"detail": "invalid request body"})
	}
	if strings.TrimSpace(req.UserText) == "" {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"detail": "user_text must not be empty"})
	}
	return c.JSON(http.StatusOK, classifyIntent(req.UserText))
}

func (m *mockAide) handleIntentHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "patterns_loaded": len(intentRules)})
}

type chatRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (m *mockAide) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"detail": "invalid request body"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"response":          "mock response to: " + req.Message,
		"success":           true,
		"model_used":        "mock-local",
		"actions":           []string{},
		"tools_invoked":     []string{},
		"detected_intents":  []string{},
		"conversation_type": "chat",
	})
}

func (m *mockAide) handleChatHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"history": []string{}, "total": 0})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS speaks the backend's websocket dialect: a connection_established
// greeting, then a reply per received message until the peer hangs up.
func (m *mockAide) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	greeting := echo.Map{
		"type":    "connection_established",
		"message": "🎮 AIDE Modular Backend Ready!",
		"version": backendVersion,
		"services": echo.Map{
			"memory": true,
			"speech": false,
			"tools":  5,
		},
	}
	if err := conn.WriteJSON(greeting); err != nil {
		return nil
	}

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		switch msg["type"] {
		case "ping":
			if err := conn.WriteJSON(echo.Map{"type": "keepalive"}); err != nil {
				return nil
			}
		case "query":
			reply := echo.Map{
				"type":     "query_response",
				"success":  true,
				"response": "mock response",
			}
			if err := conn.WriteJSON(reply); err != nil {
				return nil
			}
		default:
			if err := conn.WriteJSON(echo.Map{"type": "error", "error": "unknown message type"}); err != nil {
				return nil
			}
		}
	}
}
