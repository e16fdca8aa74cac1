// Package journal persists supervisor lifecycle events so operators can
// reconstruct what happened to the companion across supervisor restarts.
package journal

import (
	"context"
	"time"
)

// Event names recorded in the journal.
const (
	EventLaunch   = "launch"
	EventReady    = "ready"
	EventExit     = "exit"
	EventRestart  = "restart"
	EventDegraded = "degraded"
	EventStop     = "stop"
	EventReset    = "reset"
)

// Record is one supervisor lifecycle event. CreatedAt is set by the store in
// UTC when zero.
type Record struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Event     string    `json:"event"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface for lifecycle events.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, name string, limit int) ([]Record, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
