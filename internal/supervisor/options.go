package supervisor

import (
	"net/http"
	"time"

	"github.com/aidekit/minder/internal/health"
	"github.com/aidekit/minder/internal/history"
	"github.com/aidekit/minder/internal/journal"
	"github.com/aidekit/minder/internal/logger"
	"github.com/aidekit/minder/internal/process"
	"github.com/aidekit/minder/internal/queue"
)

// Supervision timing defaults. Each is overridable through Options.
const (
	DefaultName           = "aide"
	DefaultHost           = "127.0.0.1"
	DefaultBasePort       = 8000
	DefaultStartupTimeout = 120 * time.Second
	DefaultSettleDelay    = time.Second
	DefaultAttemptDelay   = time.Second
	DefaultLaunchAttempts = 3
	DefaultSequenceCap    = 3
	DefaultCooldown       = 5 * time.Minute
	DefaultFailureTrigger = 2
)

// Options configures one Supervisor. The zero value is usable after
// withDefaults; only fields that deviate from the defaults need to be set.
type Options struct {
	// Name labels logs, metrics and journal rows.
	Name string
	// Host is the loopback address the companion binds. Port probing starts
	// at BasePort and walks upward.
	Host     string
	BasePort int

	// Interpreter pins an explicit python path; empty runs the candidate
	// search. EntryModule is passed to the interpreter as -m <module>.
	Interpreter string
	EntryModule string
	// Command replaces the interpreter launch with a raw command line.
	// Discovery of interpreter and project root is skipped when set.
	Command string

	// InstallDir seeds the upward project-root walk; WorkspaceDirs are
	// scanned when the walk misses. Marker overrides the root marker path.
	InstallDir    string
	WorkspaceDirs []string
	Marker        string

	// SentinelFile, when set, is watched as the primary readiness signal.
	// Output markers remain the fallback either way.
	SentinelFile string

	// HealthURL overrides the probed URL; empty derives it from the chosen
	// endpoint.
	HealthURL  string
	HTTPClient *http.Client

	StartupTimeout time.Duration
	KillGrace      time.Duration

	// Restart policy: up to LaunchAttempts launches per sequence spaced
	// attempt*AttemptDelay apart after a SettleDelay, at most SequenceCap
	// sequences inside the Cooldown window before Degraded. FailureTrigger
	// is the consecutive probe failure count that starts a sequence.
	SettleDelay    time.Duration
	AttemptDelay   time.Duration
	LaunchAttempts int
	SequenceCap    int
	Cooldown       time.Duration
	FailureTrigger int

	// Health probe and steady-loop tuning; zero values use the health
	// package defaults.
	HealthTTL    time.Duration
	ProbeTimeout time.Duration
	RetryTimeout time.Duration
	LoopInterval time.Duration
	LoopMin      time.Duration
	LoopMax      time.Duration

	QueuePause     time.Duration
	SampleInterval time.Duration

	// ExtraEnv is applied between the OS environment and the per-launch
	// spawn variables. IsolateEnv drops the OS environment base entirely.
	ExtraEnv   map[string]string
	IsolateEnv bool

	Log     logger.Config
	Journal journal.Store
	Sinks   history.Fanout
}

func (o *Options) withDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.BasePort <= 0 {
		o.BasePort = DefaultBasePort
	}
	if o.EntryModule == "" {
		o.EntryModule = process.DefaultEntryModule
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = process.DefaultKillGrace
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.AttemptDelay <= 0 {
		o.AttemptDelay = DefaultAttemptDelay
	}
	if o.LaunchAttempts <= 0 {
		o.LaunchAttempts = DefaultLaunchAttempts
	}
	if o.SequenceCap <= 0 {
		o.SequenceCap = DefaultSequenceCap
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.FailureTrigger <= 0 {
		o.FailureTrigger = DefaultFailureTrigger
	}
	if o.HealthTTL <= 0 {
		o.HealthTTL = health.DefaultTTL
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = health.DefaultProbeTimeout
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = health.DefaultRetryTimeout
	}
	if o.LoopInterval <= 0 {
		o.LoopInterval = health.DefaultLoopInterval
	}
	if o.LoopMin <= 0 {
		o.LoopMin = health.DefaultLoopMin
	}
	if o.LoopMax <= 0 {
		o.LoopMax = health.DefaultLoopMax
	}
	if o.QueuePause <= 0 {
		o.QueuePause = queue.DefaultPause
	}
}
