package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// DefaultProbeTimeout bounds each --version validation run.
const DefaultProbeTimeout = 3 * time.Second

// ErrCommandNotFound is returned when no candidate interpreter validates.
var ErrCommandNotFound = errors.New("python interpreter not found")

// Resolver locates a usable Python interpreter for launching the companion.
// Candidates are tried in platform order, each validated by running it with
// --version under a bounded timeout. The first success is cached for the
// resolver's lifetime.
type Resolver struct {
	// Explicit is an operator-configured interpreter path. When set it
	// short-circuits the search but is still validated; a broken explicit
	// path is an error, not a reason to fall back silently.
	Explicit string
	// Timeout overrides DefaultProbeTimeout for each validation run.
	Timeout time.Duration
	// Logger is optional; nil disables resolver logging.
	Logger *slog.Logger

	mu     sync.Mutex
	cached string
}

// Resolve returns the path of the first interpreter that validates.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.cached != "" {
		path := r.cached
		r.mu.Unlock()
		return path, nil
	}
	r.mu.Unlock()

	if r.Explicit != "" {
		path, err := r.probe(ctx, r.Explicit)
		if err != nil {
			return "", fmt.Errorf("%w: configured interpreter %q failed validation: %v",
				ErrCommandNotFound, r.Explicit, err)
		}
		return r.remember(path), nil
	}

	tried := make([]string, 0, 8)
	for _, cand := range append(interpreterNames(), fallbackPaths()...) {
		path, err := r.probe(ctx, cand)
		if err != nil {
			tried = append(tried, cand)
			if r.Logger != nil {
				r.Logger.Debug("interpreter candidate rejected", "candidate", cand, "error", err)
			}
			continue
		}
		if r.Logger != nil {
			r.Logger.Info("interpreter resolved", "path", path)
		}
		return r.remember(path), nil
	}
	return "", fmt.Errorf("%w: tried %v", ErrCommandNotFound, tried)
}

// Cached returns the remembered interpreter path, or "" before the first
// successful Resolve.
func (r *Resolver) Cached() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

func (r *Resolver) remember(path string) string {
	r.mu.Lock()
	if r.cached == "" {
		r.cached = path
	}
	path = r.cached
	r.mu.Unlock()
	return path
}

// probe resolves cand on PATH (or verifies it directly when it contains a
// separator) and runs it with --version. Only a clean exit counts.
func (r *Resolver) probe(ctx context.Context, cand string) (string, error) {
	path, err := exec.LookPath(cand)
	if err != nil {
		return "", err
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204 -- candidate list is fixed or operator-configured
	if err := exec.CommandContext(cctx, path, "--version").Run(); err != nil {
		return "", err
	}
	return path, nil
}

func interpreterNames() []string {
	if runtime.GOOS == "windows" {
		return []string{"python", "py"}
	}
	return []string{"python3", "python"}
}

func fallbackPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\Python312\python.exe`,
			`C:\Python311\python.exe`,
			`C:\Program Files\Python312\python.exe`,
			`C:\Program Files\Python311\python.exe`,
		}
	}
	return []string{
		"/usr/bin/python3",
		"/usr/local/bin/python3",
		"/opt/homebrew/bin/python3",
	}
}
