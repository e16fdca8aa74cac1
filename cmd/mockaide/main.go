// mockaide imitates the AIDE backend closely enough to exercise minder: the
// same endpoints, startup lines and env contract as the real companion, plus
// flags that force the failure modes a supervisor must survive.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

type options struct {
	host          string
	port          int
	slowStart     time.Duration
	failBind      bool
	missingModule bool
	flapHealth    time.Duration
	exitAfter     time.Duration
	sentinel      string
	quiet         bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("mockaide", flag.ContinueOnError)
	fs.StringVar(&o.host, "host", "", "listen host (default $AIDE_HOST or 127.0.0.1)")
	fs.IntVar(&o.port, "port", 0, "listen port (default $AIDE_PORT or 8000)")
	fs.DurationVar(&o.slowStart, "slow-start", 0, "sleep this long before binding")
	fs.BoolVar(&o.failBind, "fail-bind", false, "print the uvicorn bind failure and exit 1")
	fs.BoolVar(&o.missingModule, "missing-module", false, "print ModuleNotFoundError and exit 1")
	fs.DurationVar(&o.flapHealth, "flap-health", 0, "alternate /health between ok and failing with this period")
	fs.DurationVar(&o.exitAfter, "exit-after", 0, "crash (exit 3) after this long")
	fs.StringVar(&o.sentinel, "sentinel", "", "write this file once serving, remove it on exit")
	fs.BoolVar(&o.quiet, "quiet", false, "suppress the startup marker lines")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.host == "" {
		o.host = os.Getenv("AIDE_HOST")
	}
	if o.host == "" {
		o.host = "127.0.0.1"
	}
	if o.port == 0 {
		if v := os.Getenv("AIDE_PORT"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return o, fmt.Errorf("invalid AIDE_PORT %q: %w", v, err)
			}
			o.port = p
		}
	}
	if o.port == 0 {
		o.port = 8000
	}
	return o, nil
}

// printStartupLines writes the lines uvicorn prints once the app serves.
// Minder's output monitor keys its readiness belief on these.
func printStartupLines(w io.Writer, host string, port int) {
	fmt.Fprintf(w, "INFO:     Started server process [%d]\n", os.Getpid())
	fmt.Fprintln(w, "INFO:     Waiting for application startup.")
	fmt.Fprintln(w, "INFO:     Application startup complete.")
	fmt.Fprintf(w, "INFO:     Uvicorn running on http://%s:%d (Press CTRL+C to quit)\n", host, port)
}

// printBindError reproduces uvicorn's message for a port that is taken.
func printBindError(w io.Writer, host string, port int) {
	fmt.Fprintf(w, "ERROR:    [Errno 98] error while attempting to bind on address ('%s', %d): address already in use\n", host, port)
}

// printMissingModule reproduces the interpreter's import failure.
func printMissingModule(w io.Writer) {
	fmt.Fprintln(w, "Traceback (most recent call last):")
	fmt.Fprintln(w, "  File \"<frozen runpy>\", line 198, in _run_module_as_main")
	fmt.Fprintln(w, "ModuleNotFoundError: No module named 'src'")
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func run(opts options) int {
	if opts.missingModule {
		printMissingModule(os.Stderr)
		return 1
	}
	if opts.slowStart > 0 {
		time.Sleep(opts.slowStart)
	}

	addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
	if opts.failBind {
		printBindError(os.Stderr, opts.host, opts.port)
		return 1
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		printBindError(os.Stderr, opts.host, opts.port)
		return 1
	}

	m := newMockAide(opts)
	srv := &http.Server{
		Handler:           m.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	if !opts.quiet {
		printStartupLines(os.Stdout, opts.host, opts.port)
	}
	if opts.sentinel != "" {
		if err := os.WriteFile(opts.sentinel, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING:  could not write sentinel %s: %v\n", opts.sentinel, err)
		}
		defer func() { _ = os.Remove(opts.sentinel) }()
	}

	var crash <-chan time.Time
	if opts.exitAfter > 0 {
		crash = time.After(opts.exitAfter)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("INFO:     Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		fmt.Println("INFO:     Application shutdown complete.")
		return 0
	case <-crash:
		// Simulated crash: no shutdown lines, nonzero exit.
		return 3
	case err := <-serveErr:
		fmt.Fprintf(os.Stderr, "ERROR:    server stopped: %v\n", err)
		return 1
	}
}
