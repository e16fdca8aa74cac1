package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aidekit/minder"
)

// embedded_logger: demonstrate captured companion output. The supervisor tees
// the companion's stdout and stderr into rotated files under Log.File.Dir as
// <dir>/<name>.stdout.log and <dir>/<name>.stderr.log.
func main() {
	logDir := os.Getenv("MINDER_LOG_DIR")
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), fmt.Sprintf("minder-logs-%d", time.Now().UnixNano()))
	}
	_ = os.MkdirAll(logDir, 0o750)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
	}()

	opts := minder.Options{
		Name:      "logger-demo",
		BasePort:  8901,
		Command:   "sh -c 'echo INFO: Application startup complete.; echo hello-err 1>&2; sleep 60'",
		HealthURL: "http://" + ln.Addr().String() + "/health",
	}
	opts.Log.File.Dir = logDir

	sup := minder.New(opts)
	if _, err := sup.Start(context.Background()); err != nil {
		panic(err)
	}
	// Give the tee a moment to flush the captured lines.
	time.Sleep(300 * time.Millisecond)
	_ = sup.Shutdown()

	fmt.Println("Embedded logger example")
	fmt.Println("  Log directory:", logDir)
	fmt.Println("  Stdout log:", filepath.Join(logDir, "logger-demo.stdout.log"))
	fmt.Println("  Stderr log:", filepath.Join(logDir, "logger-demo.stderr.log"))
	fmt.Println("Tip: set MINDER_LOG_DIR to choose a custom log directory.")
}
