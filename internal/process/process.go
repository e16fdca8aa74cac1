package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned by TryStart when the previous child is still
// recorded as running.
var ErrAlreadyRunning = errors.New("companion already running")

// Process owns the exec.Cmd for one companion server child and serializes all
// state mutations behind its mutex. Exactly one goroutine may own cmd.Wait at
// a time; the monitoring flag plus waitDone channel enforce that discipline.
type Process struct {
	spec       Spec
	cmd        *exec.Cmd
	status     Status
	mu         sync.Mutex
	stopping   bool // true when Stop has been requested; suppress restart triggers
	restarts   int
	stdout     io.ReadCloser // child stdout pipe from ConfigureCmd
	stderr     io.ReadCloser // child stderr pipe from ConfigureCmd
	outCloser  io.WriteCloser
	errCloser  io.WriteCloser
	waitDone   chan struct{} // closed by the waiter when cmd.Wait returns
	monitoring bool          // true when a watcher goroutine owns cmd.Wait
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// UpdateSpec replaces the internal spec under lock.
func (r *Process) UpdateSpec(s Spec) {
	r.mu.Lock()
	r.spec = s
	r.mu.Unlock()
}

// Spec returns a copy of the current spec.
func (r *Process) Spec() Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spec
}

// ConfigureCmd builds and configures the *exec.Cmd for this launch using
// mergedEnv. It sets the working directory, environment, and process group
// attributes, and opens stdout/stderr pipes for marker scanning. Rotated
// capture writers are prepared via EnsureLogClosers when configured;
// OutputReaders tees the pipes into them.
func (r *Process) ConfigureCmd(mergedEnv []string) (*exec.Cmd, error) {
	r.mu.Lock()
	spec := r.spec // copy to avoid holding the lock during I/O
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.ProjectRoot != "" {
		cmd.Dir = spec.ProjectRoot
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if spec.Log.File.Dir != "" || spec.Log.File.StdoutPath != "" || spec.Log.File.StderrPath != "" {
		if spec.Log.File.Dir != "" {
			_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.ProcessWriters(spec.Name)
		r.EnsureLogClosers(outW, errW)
	}

	r.mu.Lock()
	r.stdout = stdout
	r.stderr = stderr
	r.mu.Unlock()
	return cmd, nil
}

// OutputReaders returns the child's stdout and stderr streams from the most
// recent ConfigureCmd. When capture writers are configured each returned
// reader tees bytes into them as it is drained. Both streams must be read to
// EOF before cmd.Wait is called or tail output is lost.
func (r *Process) OutputReaders() (io.Reader, io.Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out, errOut io.Reader
	if r.stdout != nil {
		out = r.stdout
		if r.outCloser != nil {
			out = io.TeeReader(out, r.outCloser)
		}
	}
	if r.stderr != nil {
		errOut = r.stderr
		if r.errCloser != nil {
			errOut = io.TeeReader(errOut, r.errCloser)
		}
	}
	return out, errOut
}

func (r *Process) CopyCmd() *exec.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd
}

func (r *Process) SetStarted(cmd *exec.Cmd) {
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = make(chan struct{})
	r.status.Name = r.spec.Name
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.StartedAt = time.Now()
	r.status.ExitErr = nil
	r.status.Restarts = r.restarts
	r.stopping = false
	r.mu.Unlock()
}

// TryStart launches the configured command and records started state. A call
// while the previous child is still recorded as running fails with
// ErrAlreadyRunning.
func (r *Process) TryStart(cmd *exec.Cmd) error {
	r.mu.Lock()
	if r.status.Running {
		name := r.spec.Name
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	r.SetStarted(cmd)
	return nil
}

func (r *Process) CloseWaitDone() {
	r.mu.Lock()
	if r.waitDone != nil {
		close(r.waitDone)
		r.waitDone = nil
	}
	r.mu.Unlock()
}

func (r *Process) WaitDoneChan() chan struct{} {
	r.mu.Lock()
	wd := r.waitDone
	r.mu.Unlock()
	return wd
}

func (r *Process) MarkExited(err error) {
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	r.mu.Unlock()
}

func (r *Process) SetStopRequested(v bool) {
	r.mu.Lock()
	r.stopping = v
	r.mu.Unlock()
}

func (r *Process) StopRequested() bool {
	r.mu.Lock()
	v := r.stopping
	r.mu.Unlock()
	return v
}

func (r *Process) IncRestarts() int {
	r.mu.Lock()
	r.restarts++
	v := r.restarts
	r.mu.Unlock()
	return v
}

func (r *Process) Restarts() int {
	r.mu.Lock()
	v := r.restarts
	r.mu.Unlock()
	return v
}

func (r *Process) ResetRestarts() {
	r.mu.Lock()
	r.restarts = 0
	r.mu.Unlock()
}

func (r *Process) MonitoringStartIfNeeded() bool {
	r.mu.Lock()
	if r.monitoring {
		r.mu.Unlock()
		return false
	}
	r.monitoring = true
	r.mu.Unlock()
	return true
}

func (r *Process) MonitoringStop() {
	r.mu.Lock()
	r.monitoring = false
	r.mu.Unlock()
}

// IsMonitoring reports whether a watcher goroutine is actively waiting on the
// underlying process. When true, Stop/Kill must not call cmd.Wait themselves;
// they wait on waitDone instead.
func (r *Process) IsMonitoring() bool {
	r.mu.Lock()
	v := r.monitoring
	r.mu.Unlock()
	return v
}

func (r *Process) EnsureLogClosers(stdout, stderr io.WriteCloser) {
	r.mu.Lock()
	if r.outCloser == nil && stdout != nil {
		r.outCloser = stdout
	}
	if r.errCloser == nil && stderr != nil {
		r.errCloser = stderr
	}
	r.mu.Unlock()
}

func (r *Process) CloseWriters() {
	r.mu.Lock()
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// DetectAlive probes liveness avoiding races with os/exec internals.
func (r *Process) DetectAlive() (bool, string) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false, ""
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "linux" {
		// A quickly-exiting child can linger as a zombie; treat that as dead.
		if isZombieLinux(pid) {
			return false, ""
		}
		if processExists(pid) {
			return true, "exec:pid"
		}
		return false, ""
	}
	// Non-Linux: probe the process group to handle quick-exit detection.
	if killProcess(-pid, 0) == nil {
		return true, "exec:pid"
	}
	return false, ""
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Stop terminates the child: SIGTERM to the process group, wait up to the
// given grace, then SIGKILL. When a watcher goroutine owns cmd.Wait, Stop
// blocks on waitDone; otherwise it claims the wait itself. Stopping a child
// that is already dead is a no-op.
func (r *Process) Stop(wait time.Duration) error {
	alive, _ := r.DetectAlive()
	if !alive {
		return nil
	}
	r.SetStopRequested(true)
	cmd := r.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = killProcess(-pid, syscall.SIGTERM)
	if r.IsMonitoring() || !r.MonitoringStartIfNeeded() {
		// A watcher goroutine is responsible for reaping and state
		// transitions; wait on waitDone and escalate on timeout.
		r.awaitExit(pid, wait)
	} else {
		// No watcher; we claimed the monitoring flag and own the wait.
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			r.CloseWaitDone()
			r.MarkExited(err)
			ch <- err
		}()
		select {
		case <-ch:
		case <-time.After(wait):
			_ = killProcess(-pid, syscall.SIGKILL)
			select {
			case <-ch:
			case <-time.After(200 * time.Millisecond):
				// best-effort
			}
		}
		r.CloseWriters()
		r.MonitoringStop()
	}
	rs := r.Snapshot()
	return rs.ExitErr
}

// Kill sends SIGKILL to the process group and attempts to reap promptly.
func (r *Process) Kill() error {
	cmd := r.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = killProcess(-pid, syscall.SIGKILL)
	if r.IsMonitoring() || !r.MonitoringStartIfNeeded() {
		r.awaitReap(200 * time.Millisecond)
	} else {
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			r.CloseWaitDone()
			r.MarkExited(err)
			ch <- err
		}()
		select {
		case <-ch:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
		r.CloseWriters()
		r.MonitoringStop()
	}
	rs := r.Snapshot()
	return rs.ExitErr
}

// awaitExit blocks until the watcher closes waitDone, escalating to SIGKILL
// after the grace period.
func (r *Process) awaitExit(pid int, wait time.Duration) {
	wd := r.WaitDoneChan()
	if wd == nil {
		time.Sleep(wait)
		return
	}
	select {
	case <-wd:
	case <-time.After(wait):
		_ = killProcess(-pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}
}

func (r *Process) awaitReap(d time.Duration) {
	wd := r.WaitDoneChan()
	if wd == nil {
		time.Sleep(d)
		return
	}
	select {
	case <-wd:
	case <-time.After(d):
	}
}
