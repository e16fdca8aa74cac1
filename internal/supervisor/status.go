package supervisor

import (
	"time"

	"github.com/aidekit/minder/internal/metrics"
)

// Status is a point-in-time view of the supervised companion, consumable by
// the control API and the CLI.
type Status struct {
	Name        string                  `json:"name"`
	State       string                  `json:"state"`
	Ready       bool                    `json:"ready"`
	Host        string                  `json:"host,omitempty"`
	Port        int                     `json:"port,omitempty"`
	PID         int                     `json:"pid,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	StoppedAt   time.Time               `json:"stopped_at"`
	Restarts    int                     `json:"restarts"`
	Sequences   int                     `json:"restart_sequences"`
	QueueDepth  int                     `json:"queue_depth"`
	Healthy     bool                    `json:"healthy"`
	ProbedAt    time.Time               `json:"probed_at"`
	ReadySource string                  `json:"ready_source,omitempty"`
	LastError   string                  `json:"last_error,omitempty"`
	Resources   *metrics.ResourceSample `json:"resources,omitempty"`
}

// Status assembles the current view. It reads shared fields under the lock
// and never blocks on the state machine.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	state := s.state
	ep := s.endpoint
	checker := s.checker
	outer := s.restart.outerAttempts
	lastErr := s.lastErr
	s.mu.RUnlock()

	snap := s.proc.Snapshot()
	alive, _ := s.proc.DetectAlive()

	st := Status{
		Name:        s.opts.Name,
		State:       state.String(),
		Ready:       state == StateReady && alive,
		Host:        ep.Host,
		Port:        ep.Port,
		PID:         snap.PID,
		StartedAt:   snap.StartedAt,
		StoppedAt:   snap.StoppedAt,
		Restarts:    snap.Restarts,
		Sequences:   outer,
		QueueDepth:  s.queue.Depth(),
		ReadySource: s.readiness.Source(),
	}
	if checker != nil {
		st.Healthy, st.ProbedAt, _ = checker.Last()
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if sample, ok := s.sampler.Last(); ok {
		st.Resources = &sample
	}
	return st
}
