package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultMaxDepth is how many parent directories Locate climbs from the
	// start directory before giving up on the upward walk.
	DefaultMaxDepth = 5
)

// DefaultMarker is the relative path that identifies the companion project
// root: the backend entry module file.
var DefaultMarker = filepath.Join("src", "backend", "main.py")

// ErrProjectRootNotFound is returned when neither the upward walk nor the
// workspace folders contain the marker.
var ErrProjectRootNotFound = errors.New("project root not found")

// Locator finds the directory the companion process must run from.
// Probing is read-only; nothing on disk is mutated.
type Locator struct {
	Marker   string // relative marker path; empty means DefaultMarker
	MaxDepth int    // parents to climb; <=0 means DefaultMaxDepth
}

// Locate walks upward from startDir at most MaxDepth levels looking for the
// marker, then falls back to scanning workspaceDirs (the host's open folders)
// for the same marker. The first directory containing the marker wins.
func (l Locator) Locate(startDir string, workspaceDirs []string) (string, error) {
	marker := l.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	depth := l.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}

	if startDir != "" {
		dir := filepath.Clean(startDir)
		for i := 0; i <= depth; i++ {
			if hasMarker(dir, marker) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	for _, d := range workspaceDirs {
		if d == "" {
			continue
		}
		if hasMarker(d, marker) {
			return filepath.Clean(d), nil
		}
	}
	return "", fmt.Errorf("%w: no %s under %s or %d workspace folder(s)",
		ErrProjectRootNotFound, marker, startDir, len(workspaceDirs))
}

func hasMarker(dir, marker string) bool {
	st, err := os.Stat(filepath.Join(dir, marker))
	return err == nil && st.Mode().IsRegular()
}
