package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/aidekit/minder/internal/logger"
)

// DefaultEntryModule is the module handed to the interpreter with -m.
const DefaultEntryModule = "src.backend.main"

// DefaultKillGrace bounds the SIGTERM to SIGKILL escalation during Stop.
const DefaultKillGrace = 5 * time.Second

// Spec describes one companion server launch.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	Interpreter string        `json:"interpreter" mapstructure:"interpreter"`   // resolved interpreter binary
	EntryModule string        `json:"entry_module" mapstructure:"entry_module"` // module executed with -m
	Command     string        `json:"command" mapstructure:"command"`           // raw command override; bypasses the interpreter launch
	ProjectRoot string        `json:"project_root" mapstructure:"project_root"` // working directory for the child
	Env         []string      `json:"env" mapstructure:"env"`                   // optional extra per-launch env
	KillGrace   time.Duration `json:"kill_grace" mapstructure:"kill_grace"`
	Log         logger.Config `json:"log" mapstructure:"log"` // rotated capture of child output
}

// Grace returns the configured kill grace, or the default when unset.
func (s *Spec) Grace() time.Duration {
	if s.KillGrace > 0 {
		return s.KillGrace
	}
	return DefaultKillGrace
}

// BuildCommand constructs an *exec.Cmd for this spec. The normal launch is
// "<interpreter> -m <entry module>". A non-empty Command overrides that and
// is executed directly; it respects an explicit shell invocation already
// present in the string (e.g. "sh -c 'echo hi'") without double-wrapping,
// and falls back to /bin/sh -c when metacharacters are present.
func (s *Spec) BuildCommand() *exec.Cmd {
	if cmdStr := strings.TrimSpace(s.Command); cmdStr != "" {
		return buildRawCommand(cmdStr)
	}
	interp := s.Interpreter
	if interp == "" {
		interp = "python3"
	}
	module := s.EntryModule
	if module == "" {
		module = DefaultEntryModule
	}
	// ok: interpreter path comes from the resolver, module from config
	// #nosec G204
	return exec.Command(interp, "-m", module)
}

func buildRawCommand(cmdStr string) *exec.Cmd {
	// If the command already explicitly uses a shell, honor it without adding
	// another layer. Always use the absolute shell path to avoid a PATH
	// dependency when Env is overridden.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>"
// at the beginning of cmdStr. It returns (shellPath, afterCArg, true) when
// matched. The substring after "-c " is preserved verbatim to avoid breaking
// quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the actual script reaches
			// the shell.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
