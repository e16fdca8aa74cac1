package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ErrCriticalStartup marks output that proves the companion cannot come up.
var ErrCriticalStartup = errors.New("critical startup failure")

// successMarkers are case-insensitive substrings the backend and uvicorn
// print once the server accepts requests.
var successMarkers = []string{
	"application startup complete",
	"uvicorn running on",
	"started server process",
	"aide backend fully initialized",
	"starting aide on",
}

// fatalMarkers are case-insensitive substrings that identify unrecoverable
// startup failures.
var fatalMarkers = []string{
	"address already in use",
	"error while attempting to bind",
	"modulenotfounderror",
	"no module named",
	"permission denied",
}

// Readiness tracks the tentative belief that the companion accepts requests.
// It is set from output markers or the sentinel file and confirmed or denied
// by the health checker; mutations come from scanner goroutines and the
// supervisor, so all access is locked.
type Readiness struct {
	mu     sync.Mutex
	ready  bool
	source string
	fatal  error
}

// MarkReady records a tentative ready signal and its source.
// A fatal observation is sticky: ready stays false until Clear.
func (r *Readiness) MarkReady(source string) {
	r.mu.Lock()
	if r.fatal == nil {
		r.ready = true
		r.source = source
	}
	r.mu.Unlock()
}

// MarkFailed records a critical startup failure and clears readiness.
func (r *Readiness) MarkFailed(err error) {
	r.mu.Lock()
	r.ready = false
	r.fatal = err
	r.mu.Unlock()
}

// Clear resets the state for a fresh launch or after process exit.
func (r *Readiness) Clear() {
	r.mu.Lock()
	r.ready = false
	r.source = ""
	r.fatal = nil
	r.mu.Unlock()
}

// Ready reports the current tentative belief.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Source names what flipped the flag ("marker:..." or "sentinel").
func (r *Readiness) Source() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Err returns the recorded critical startup failure, if any.
func (r *Readiness) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Scanner consumes one output stream line-wise and updates readiness.
// Run blocks until the stream closes; callers run it in a goroutine.
type Scanner struct {
	Stream    string // "stdout" or "stderr", for logging
	Readiness *Readiness
	Logger    *slog.Logger
	OnFatal   func(error) // optional; invoked once per fatal line
}

const maxLineBytes = 256 * 1024

func (s *Scanner) Run(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		s.Inspect(sc.Text())
	}
}

// Inspect classifies a single output line. Fatal markers win over success
// markers when both somehow match.
func (s *Scanner) Inspect(line string) {
	lower := strings.ToLower(line)
	for _, m := range fatalMarkers {
		if strings.Contains(lower, m) {
			err := fmt.Errorf("%w: %q (matched %q on %s)",
				ErrCriticalStartup, strings.TrimSpace(line), m, s.Stream)
			s.Readiness.MarkFailed(err)
			if s.Logger != nil {
				s.Logger.Error("fatal companion output", "stream", s.Stream, "marker", m, "line", strings.TrimSpace(line))
			}
			if s.OnFatal != nil {
				s.OnFatal(err)
			}
			return
		}
	}
	for _, m := range successMarkers {
		if strings.Contains(lower, m) {
			s.Readiness.MarkReady("marker:" + m)
			if s.Logger != nil {
				s.Logger.Info("companion reported ready", "stream", s.Stream, "marker", m)
			}
			return
		}
	}
}
