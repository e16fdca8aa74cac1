package main

import (
	"context"
	"fmt"
	"os"
	"time"

	pycmd "github.com/aidekit/minder/internal/command"
	"github.com/aidekit/minder/internal/config"
	"github.com/aidekit/minder/internal/endpoint"
	"github.com/aidekit/minder/internal/health"
	"github.com/aidekit/minder/internal/workspace"
	"github.com/aidekit/minder/pkg/client"
)

// doctorReport aggregates the environment checks a companion launch depends
// on. Empty error fields mean the check passed.
type doctorReport struct {
	Interpreter      string `json:"interpreter,omitempty"`
	InterpreterError string `json:"interpreter_error,omitempty"`
	ProjectRoot      string `json:"project_root,omitempty"`
	ProjectRootError string `json:"project_root_error,omitempty"`
	Host             string `json:"host"`
	Port             int    `json:"port,omitempty"`
	PortError        string `json:"port_error,omitempty"`
	Daemon           string `json:"daemon"`
	Companion        string `json:"companion,omitempty"`
	WebSocket        string `json:"websocket,omitempty"`
	OK               bool   `json:"ok"`
}

// Doctor verifies that a launch could succeed: a validating interpreter, a
// locatable project root and a bindable port. When the daemon is up it also
// reports the companion's state and, for a ready companion, probes the
// websocket endpoint.
func (c *command) Doctor(f DoctorFlags, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	rep := doctorReport{OK: true, Host: cfg.Companion.Host}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res := &pycmd.Resolver{Explicit: cfg.Companion.Interpreter}
	if path, err := res.Resolve(ctx); err != nil {
		rep.InterpreterError = err.Error()
		rep.OK = false
	} else {
		rep.Interpreter = path
	}

	startDir := cfg.Companion.InstallDir
	if startDir == "" {
		startDir, _ = os.Getwd()
	}
	loc := workspace.Locator{Marker: cfg.Companion.Marker}
	if root, err := loc.Locate(startDir, cfg.Companion.WorkspaceDirs); err != nil {
		rep.ProjectRootError = err.Error()
		rep.OK = false
	} else {
		rep.ProjectRoot = root
	}

	if port, err := endpoint.FindAvailablePort(rep.Host, cfg.Companion.BasePort); err != nil {
		rep.PortError = err.Error()
		rep.OK = false
	} else {
		rep.Port = port
	}

	api := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	probeCtx, probeCancel := context.WithTimeout(ctx, reachProbeTimeout)
	reachable := api.IsReachable(probeCtx)
	probeCancel()
	if !reachable {
		rep.Daemon = "not running"
	} else {
		rep.Daemon = "reachable"
		st, err := api.Status(ctx)
		if err != nil {
			rep.Companion = "status error: " + err.Error()
			rep.OK = false
		} else {
			rep.Companion = st.State
			if f.WebSocket && st.State == "ready" {
				rep.WebSocket = checkWebSocket(ctx, st.Host, st.Port)
				if rep.WebSocket != "ok" {
					rep.OK = false
				}
			}
		}
	}

	printJSON(rep)
	if !rep.OK {
		return fmt.Errorf("environment not ready for the companion")
	}
	return nil
}

// checkWebSocket verifies the companion's realtime channel end to end: dial,
// then the connection_established greeting the backend sends to every client.
func checkWebSocket(ctx context.Context, host string, port int) string {
	ep := endpoint.ServerEndpoint{Host: host, Port: port}
	if err := health.ChannelProbe(ctx, ep.WebSocketURL(), 3*time.Second); err != nil {
		return err.Error()
	}
	return "ok"
}
