package client

import (
	"encoding/json"
	"time"
)

// CompanionStatus mirrors the daemon's status payload.
type CompanionStatus struct {
	Name        string         `json:"name"`
	State       string         `json:"state"`
	Ready       bool           `json:"ready"`
	Host        string         `json:"host,omitempty"`
	Port        int            `json:"port,omitempty"`
	PID         int            `json:"pid,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	StoppedAt   time.Time      `json:"stopped_at"`
	Restarts    int            `json:"restarts"`
	Sequences   int            `json:"restart_sequences"`
	QueueDepth  int            `json:"queue_depth"`
	Healthy     bool           `json:"healthy"`
	ProbedAt    time.Time      `json:"probed_at"`
	ReadySource string         `json:"ready_source,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Resources   *ResourceUsage `json:"resources,omitempty"`
}

// ResourceUsage is one CPU/memory observation of the companion process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// StartResult reports the outcome of a start request. OK false with a nil
// error means the launch is still in flight.
type StartResult struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

// DispatchRequest is a debug request forwarded to the companion through the
// supervisor's request queue. Zero values default to POST /api/v1/intent.
type DispatchRequest struct {
	Method string          `json:"method,omitempty"`
	Path   string          `json:"path,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// DispatchResponse carries the companion's answer to a dispatched request.
type DispatchResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// JournalRecord mirrors one persisted lifecycle event.
type JournalRecord struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Event     string    `json:"event"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
