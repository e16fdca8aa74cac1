package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aidekit/minder"
)

// DefaultListen is where the control API binds when neither flags nor config
// say otherwise. Loopback only; the daemon has no remote surface by default.
const DefaultListen = "127.0.0.1:8420"

// version is stamped by the release build.
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	statusFlags := &StatusFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	resetFlags := &ResetFlags{}
	requestFlags := &RequestFlags{}
	journalFlags := &JournalFlags{}
	doctorFlags := &DoctorFlags{}

	minderCommand := command{}

	root := createRootCommand(globalFlags)

	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createStatusCommand(minderCommand, statusFlags),
		createStartCommand(minderCommand, startFlags),
		createStopCommand(minderCommand, stopFlags),
		createResetCommand(minderCommand, resetFlags),
		createRequestCommand(minderCommand, requestFlags),
		createJournalCommand(minderCommand, journalFlags),
		createDoctorCommand(minderCommand, globalFlags, doctorFlags),
		createVersionCommand(),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "minder",
		Short: "Companion process supervisor for the AIDE backend",
		Long: `Minder supervises the AIDE companion server: it discovers a Python
interpreter and the project root, allocates a port, launches the backend,
watches its output and health, and restarts it within bounded limits.

Examples:
  minder run                        # Run the supervisor daemon with defaults
  minder run minder.toml            # Run with a config file
  minder start --wait=30s           # Launch the companion via the daemon
  minder status                     # Inspect companion state
  minder doctor                     # Check interpreter, project root and port`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Run the minder daemon",
		Long: `Run the supervisor daemon serving the control API.
Without a config file every setting falls back to its default and the API
listens on ` + DefaultListen + `.

Examples:
  minder run                        # Defaults, foreground
  minder run minder.toml            # Specific config file
  minder run --autostart            # Launch the companion immediately
  minder run --daemonize            # Background daemon ([server].pidfile configures the PID file)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runFlags.ConfigPath == "" {
				runFlags.ConfigPath = globalFlags.ConfigPath
			}
			return runDaemonCommand(runFlags, args)
		},
	}

	cmd.Flags().StringVar(&runFlags.Listen, "listen", "", "control API listen address (overrides config)")
	cmd.Flags().StringVar(&runFlags.BasePath, "base-path", "", "control API base path (overrides config)")
	cmd.Flags().BoolVar(&runFlags.AutoStart, "autostart", false, "launch the companion as soon as the daemon is up")
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&runFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(minderCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show companion status",
		Long: `Show the supervisor's view of the companion process.

Examples:
  minder status
  minder status --api-url=http://127.0.0.1:8420/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Status(*statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(minderCommand command, startFlags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the companion",
		Long: `Ask the daemon to bring the companion server up and wait for it to
become ready.

Examples:
  minder start
  minder start --wait=30s
  minder start --api-url=http://127.0.0.1:8420/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Start(*startFlags)
		},
	}
	cmd.Flags().DurationVar(&startFlags.Wait, "wait", 2*time.Minute, "how long to wait for readiness")
	cmd.Flags().StringVar(&startFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&startFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(minderCommand command, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the companion",
		Long: `Terminate the companion and disable automatic restarts until the next
start.

Examples:
  minder stop
  minder stop --api-url=http://127.0.0.1:8420/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Stop(*stopFlags)
		},
	}
	cmd.Flags().StringVar(&stopFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&stopFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createResetCommand creates the reset subcommand
func createResetCommand(minderCommand command, resetFlags *ResetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear restart bookkeeping",
		Long: `Clear restart counters and leave the degraded state so the supervisor
accepts start again.

Examples:
  minder reset
  minder reset --api-url=http://127.0.0.1:8420/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Reset(*resetFlags)
		},
	}
	cmd.Flags().StringVar(&resetFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&resetFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createRequestCommand creates the request subcommand
func createRequestCommand(minderCommand command, requestFlags *RequestFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send a debug request to the companion",
		Long: `Forward one request to the companion through the supervisor's queue and
print the response. Useful for probing the backend without a host editor.

Examples:
  minder request --body='{"intent":"ping"}'
  minder request --method=GET --path=/models`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Request(*requestFlags)
		},
	}
	cmd.Flags().StringVar(&requestFlags.Method, "method", "POST", "HTTP method")
	cmd.Flags().StringVar(&requestFlags.Path, "path", "/api/v1/intent", "companion path")
	cmd.Flags().StringVar(&requestFlags.Body, "body", "", "JSON request body")
	cmd.Flags().StringVar(&requestFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&requestFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createJournalCommand creates the journal subcommand
func createJournalCommand(minderCommand command, journalFlags *JournalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent lifecycle events",
		Long: `Print the most recent persisted lifecycle events (launches, exits,
restart sequences, degradations). Requires a journal configured on the
daemon.

Examples:
  minder journal
  minder journal --limit=200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Journal(*journalFlags)
		},
	}
	cmd.Flags().IntVar(&journalFlags.Limit, "limit", 50, "maximum records to fetch")
	cmd.Flags().StringVar(&journalFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&journalFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createDoctorCommand creates the doctor subcommand
func createDoctorCommand(minderCommand command, globalFlags *GlobalFlags, doctorFlags *DoctorFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the companion environment",
		Long: `Check everything a companion launch depends on: a Python interpreter
that validates, a locatable project root and a bindable port. When the
daemon is running the companion's state and websocket endpoint are checked
too.

Examples:
  minder doctor
  minder doctor --config=minder.toml
  minder doctor --ws=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return minderCommand.Doctor(*doctorFlags, globalFlags.ConfigPath)
		},
	}
	cmd.Flags().BoolVar(&doctorFlags.WebSocket, "ws", true, "probe the websocket endpoint of a ready companion")
	cmd.Flags().StringVar(&doctorFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420/api)")
	cmd.Flags().DurationVar(&doctorFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the minder version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("minder %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func runDaemonCommand(flags *RunFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := minder.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	listen := flags.Listen
	basePath := flags.BasePath
	pidFile := flags.PidFile
	logFile := flags.LogFile
	if cfg.Server != nil {
		if listen == "" {
			listen = cfg.Server.Listen
		}
		if basePath == "" {
			basePath = cfg.Server.BasePath
		}
		if pidFile == "" {
			pidFile = cfg.Server.PidFile
		}
		if logFile == "" {
			logFile = cfg.Server.LogFile
		}
	}
	if listen == "" {
		listen = DefaultListen
	}
	if basePath == "" {
		basePath = "/api"
	}

	if flags.Daemonize {
		// Only the daemon child returns from this call.
		if err := daemonize(pidFile, logFile); err != nil {
			return err
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	opts, err := cfg.SupervisorOptions()
	if err != nil {
		return err
	}

	var store minder.JournalStore
	if cfg.Journal != nil && cfg.Journal.DSN != "" {
		store, err = minder.NewJournal(cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = store.Close() }()
		if err := store.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("prepare journal: %w", err)
		}
		if cfg.Journal.Retention > 0 {
			cutoff := time.Now().Add(-cfg.Journal.Retention)
			if _, err := store.PurgeOlderThan(context.Background(), cutoff); err != nil {
				fmt.Printf("Warning: journal purge failed: %v\n", err)
			}
		}
		opts.Journal = store
	}

	if cfg.History != nil {
		for _, dsn := range cfg.History.DSNs {
			sink, err := minder.NewHistorySink(dsn)
			if err != nil {
				fmt.Printf("Warning: history sink %s: %v\n", dsn, err)
				continue
			}
			if closer, ok := sink.(io.Closer); ok {
				defer func() { _ = closer.Close() }()
			}
			opts.Sinks = append(opts.Sinks, sink)
		}
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := minder.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
	}

	sup := minder.New(opts)
	defer func() { _ = sup.Shutdown() }()

	server, err := minder.NewHTTPServer(listen, basePath, sup, store)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("Starting minder %s on %s%s\n", version, listen, basePath)

	if flags.AutoStart {
		go func() {
			if ok, err := sup.Start(context.Background()); err != nil {
				fmt.Printf("Autostart failed: %v\n", err)
			} else if ok {
				fmt.Println("Companion ready")
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return server.Close()
}
