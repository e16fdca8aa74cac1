package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aidekit/minder/internal/logger"
	"github.com/aidekit/minder/internal/supervisor"
)

// Config is the top-level TOML structure for the minder daemon and for
// embedders that prefer file configuration over building supervisor.Options
// by hand.
type Config struct {
	Companion CompanionConfig `toml:"companion" mapstructure:"companion"`
	Restart   RestartConfig   `toml:"restart" mapstructure:"restart"`
	Health    HealthConfig    `toml:"health" mapstructure:"health"`
	Queue     QueueConfig     `toml:"queue" mapstructure:"queue"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	Server    *ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics   *MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Journal   *JournalConfig  `toml:"journal" mapstructure:"journal"`
	History   *HistoryConfig  `toml:"history" mapstructure:"history"`

	// Env lists extra KEY=VALUE pairs handed to every companion launch.
	// EnvFiles are .env-style files merged in order before Env; UseOSEnv
	// controls whether the daemon's own environment is the base.
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`
}

// CompanionConfig describes the companion server being supervised.
type CompanionConfig struct {
	Name        string `toml:"name" mapstructure:"name"`
	Host        string `toml:"host" mapstructure:"host"`
	BasePort    int    `toml:"base_port" mapstructure:"base_port"`
	Interpreter string `toml:"interpreter" mapstructure:"interpreter"`
	EntryModule string `toml:"entry_module" mapstructure:"entry_module"`
	// Command replaces the interpreter launch with a raw command line; used
	// for the mock backend and tests.
	Command        string        `toml:"command" mapstructure:"command"`
	InstallDir     string        `toml:"install_dir" mapstructure:"install_dir"`
	WorkspaceDirs  []string      `toml:"workspace_dirs" mapstructure:"workspace_dirs"`
	Marker         string        `toml:"marker" mapstructure:"marker"`
	SentinelFile   string        `toml:"sentinel_file" mapstructure:"sentinel_file"`
	HealthURL      string        `toml:"health_url" mapstructure:"health_url"`
	StartupTimeout time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	KillGrace      time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
}

// RestartConfig tunes the bounded recovery behavior.
type RestartConfig struct {
	SettleDelay    time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	AttemptDelay   time.Duration `toml:"attempt_delay" mapstructure:"attempt_delay"`
	LaunchAttempts int           `toml:"launch_attempts" mapstructure:"launch_attempts"`
	SequenceCap    int           `toml:"sequence_cap" mapstructure:"sequence_cap"`
	Cooldown       time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	FailureTrigger int           `toml:"failure_trigger" mapstructure:"failure_trigger"`
}

// HealthConfig tunes the health probe and the steady-state loop.
type HealthConfig struct {
	TTL          time.Duration `toml:"ttl" mapstructure:"ttl"`
	ProbeTimeout time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	RetryTimeout time.Duration `toml:"retry_timeout" mapstructure:"retry_timeout"`
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
	MinInterval  time.Duration `toml:"min_interval" mapstructure:"min_interval"`
	MaxInterval  time.Duration `toml:"max_interval" mapstructure:"max_interval"`
}

// QueueConfig tunes request serialization.
type QueueConfig struct {
	Pause time.Duration `toml:"pause" mapstructure:"pause"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	PidFile  string `toml:"pidfile" mapstructure:"pidfile"`
	LogFile  string `toml:"logfile" mapstructure:"logfile"`
}

// MetricsConfig enables prometheus collection and companion resource sampling.
type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

// JournalConfig selects the lifecycle-event store.
type JournalConfig struct {
	DSN       string        `toml:"dsn" mapstructure:"dsn"`
	Retention time.Duration `toml:"retention" mapstructure:"retention"`
}

// HistoryConfig lists export sinks for lifecycle events.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// envPrefix makes every key overridable as MINDER_SECTION_KEY, e.g.
// MINDER_COMPANION_BASE_PORT=8100.
const envPrefix = "MINDER"

// Load reads a TOML config file, applies defaults and environment overrides,
// and validates the result. An empty path yields a pure-defaults Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("companion.name", supervisor.DefaultName)
	v.SetDefault("companion.host", supervisor.DefaultHost)
	v.SetDefault("companion.base_port", supervisor.DefaultBasePort)
	v.SetDefault("companion.startup_timeout", supervisor.DefaultStartupTimeout)
	v.SetDefault("restart.settle_delay", supervisor.DefaultSettleDelay)
	v.SetDefault("restart.attempt_delay", supervisor.DefaultAttemptDelay)
	v.SetDefault("restart.launch_attempts", supervisor.DefaultLaunchAttempts)
	v.SetDefault("restart.sequence_cap", supervisor.DefaultSequenceCap)
	v.SetDefault("restart.cooldown", supervisor.DefaultCooldown)
	v.SetDefault("restart.failure_trigger", supervisor.DefaultFailureTrigger)
	v.SetDefault("use_os_env", true)
}

// Validate rejects configurations the supervisor could not act on. Zero
// values are allowed everywhere defaults exist; only contradictions fail.
func (c *Config) Validate() error {
	if c.Companion.BasePort < 0 || c.Companion.BasePort > 65535 {
		return fmt.Errorf("companion.base_port %d out of range", c.Companion.BasePort)
	}
	if c.Companion.Host != "" {
		if ip := net.ParseIP(c.Companion.Host); ip == nil && c.Companion.Host != "localhost" {
			return fmt.Errorf("companion.host %q is not an IP address or localhost", c.Companion.Host)
		}
	}
	if c.Restart.LaunchAttempts < 0 || c.Restart.SequenceCap < 0 {
		return fmt.Errorf("restart attempts and sequence cap must not be negative")
	}
	if c.Server != nil && c.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
		}
	}
	if c.Health.MinInterval > 0 && c.Health.MaxInterval > 0 && c.Health.MinInterval > c.Health.MaxInterval {
		return fmt.Errorf("health.min_interval %s exceeds health.max_interval %s",
			c.Health.MinInterval, c.Health.MaxInterval)
	}
	return nil
}

// SupervisorOptions converts the file configuration into supervisor.Options.
// Journal and history wiring is left to the caller, which owns those
// resources' lifecycles.
func (c *Config) SupervisorOptions() (supervisor.Options, error) {
	extra, err := c.ExtraEnv()
	if err != nil {
		return supervisor.Options{}, err
	}
	opts := supervisor.Options{
		Name:           c.Companion.Name,
		Host:           c.Companion.Host,
		BasePort:       c.Companion.BasePort,
		Interpreter:    c.Companion.Interpreter,
		EntryModule:    c.Companion.EntryModule,
		Command:        c.Companion.Command,
		InstallDir:     c.Companion.InstallDir,
		WorkspaceDirs:  c.Companion.WorkspaceDirs,
		Marker:         c.Companion.Marker,
		SentinelFile:   c.Companion.SentinelFile,
		HealthURL:      c.Companion.HealthURL,
		StartupTimeout: c.Companion.StartupTimeout,
		KillGrace:      c.Companion.KillGrace,
		SettleDelay:    c.Restart.SettleDelay,
		AttemptDelay:   c.Restart.AttemptDelay,
		LaunchAttempts: c.Restart.LaunchAttempts,
		SequenceCap:    c.Restart.SequenceCap,
		Cooldown:       c.Restart.Cooldown,
		FailureTrigger: c.Restart.FailureTrigger,
		HealthTTL:      c.Health.TTL,
		ProbeTimeout:   c.Health.ProbeTimeout,
		RetryTimeout:   c.Health.RetryTimeout,
		LoopInterval:   c.Health.Interval,
		LoopMin:        c.Health.MinInterval,
		LoopMax:        c.Health.MaxInterval,
		QueuePause:     c.Queue.Pause,
		ExtraEnv:       extra,
		IsolateEnv:     !c.UseOSEnv,
		Log:            c.Log,
	}
	if c.Metrics != nil && c.Metrics.SampleInterval > 0 {
		opts.SampleInterval = c.Metrics.SampleInterval
	}
	return opts, nil
}

// ExtraEnv merges env_files (in order) with the top-level env list, the list
// winning on conflicts. The OS environment is not included here; the
// supervisor applies it as the base at launch time when UseOSEnv is set.
func (c *Config) ExtraEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export keyword, no quoting). Lines
// starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	return m, nil
}
