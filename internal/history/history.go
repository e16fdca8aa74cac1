// Package history exports supervisor lifecycle events to external analytics
// systems. Sinks are best-effort: a failing export never blocks or fails the
// supervisor itself.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch   EventType = "launch"
	EventReady    EventType = "ready"
	EventExit     EventType = "exit"
	EventRestart  EventType = "restart"
	EventDegraded EventType = "degraded"
	EventStop     EventType = "stop"
)

// Event represents one lifecycle event to be exported.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Restarts   int       `json:"restarts"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends each event to every sink and joins the failures. A failing
// sink does not prevent delivery to the others.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
