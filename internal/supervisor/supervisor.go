package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aidekit/minder/internal/command"
	"github.com/aidekit/minder/internal/endpoint"
	"github.com/aidekit/minder/internal/env"
	"github.com/aidekit/minder/internal/health"
	"github.com/aidekit/minder/internal/history"
	"github.com/aidekit/minder/internal/journal"
	"github.com/aidekit/minder/internal/metrics"
	"github.com/aidekit/minder/internal/monitor"
	"github.com/aidekit/minder/internal/process"
	"github.com/aidekit/minder/internal/queue"
	"github.com/aidekit/minder/internal/workspace"
)

// ErrDegraded is returned by Start while supervision is switched off after
// too many failed restart sequences. Reset re-enables it.
var ErrDegraded = errors.New("companion supervision degraded")

type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlStop
	ctrlReset
	ctrlShutdown
	ctrlLaunchDone
	ctrlExit
	ctrlHealth
	ctrlRestartStep
)

// ctrlMsg serializes every lifecycle operation and asynchronous observation
// into the state-machine goroutine. gen ties launch results, exit events and
// restart timers to the launch epoch that produced them; stale messages are
// dropped.
type ctrlMsg struct {
	kind     ctrlKind
	gen      uint64
	err      error
	healthy  bool
	failures int
	reply    chan result
}

type result struct {
	ok  bool
	err error
}

// Supervisor keeps one companion server process alive, healthy and reachable.
// All state transitions happen in a single goroutine fed by the ctrl channel;
// public methods post messages and wait on per-call reply channels.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	env       *env.Env
	resolver  *command.Resolver
	locator   workspace.Locator
	proc      *process.Process
	readiness *monitor.Readiness
	sentinel  *monitor.SentinelWatcher
	queue     *queue.Queue
	sampler   *metrics.ResourceSampler
	journal   journal.Store
	sinks     history.Fanout

	ctrl chan ctrlMsg
	done chan struct{}

	// Guarded by mu: read by Status/State from any goroutine, written only
	// by the state-machine goroutine.
	mu       sync.RWMutex
	state    State
	endpoint endpoint.ServerEndpoint
	checker  *health.Checker
	restart  restartState
	lastErr  error

	// Owned exclusively by the state-machine goroutine.
	gen         uint64
	loop        *health.Loop
	waiters     []chan result
	seqAttempt  int
	pending     *time.Timer
	launchAbort context.CancelFunc
	watchAbort  context.CancelFunc
	autoRestart bool
}

// restartState survives individual sequences: outerAttempts counts sequences
// begun inside the cooldown window and resets once the window elapses.
type restartState struct {
	outerAttempts int
	lastRestartAt time.Time
}

// New builds a Supervisor and starts its state-machine goroutine. The
// returned Supervisor is idle until Start.
func New(opts Options) *Supervisor {
	opts.withDefaults()
	log := opts.Log.NewSlogger().With("component", "supervisor", "name", opts.Name)

	s := &Supervisor{
		opts:      opts,
		logger:    log,
		env:       env.New(),
		resolver:  &command.Resolver{Explicit: opts.Interpreter, Logger: log},
		locator:   workspace.Locator{Marker: opts.Marker},
		readiness: &monitor.Readiness{},
		journal:   opts.Journal,
		sinks:     opts.Sinks,
		ctrl:      make(chan ctrlMsg, 16),
		done:      make(chan struct{}),
		state:     StateStopped,
	}
	if opts.IsolateEnv {
		s.env.Isolate()
	}
	for k, v := range opts.ExtraEnv {
		s.env.Set(k, v)
	}
	s.proc = process.New(process.Spec{
		Name:        opts.Name,
		EntryModule: opts.EntryModule,
		KillGrace:   opts.KillGrace,
		Log:         opts.Log,
	})
	s.sentinel = &monitor.SentinelWatcher{
		Path:      opts.SentinelFile,
		Readiness: s.readiness,
		Logger:    log,
	}
	s.queue = queue.New(queue.Options{
		Name:   opts.Name,
		Gate:   s.Ready,
		Pause:  opts.QueuePause,
		Logger: log,
	})
	s.sampler = metrics.NewResourceSampler(opts.Name, opts.SampleInterval)
	s.sampler.Logger = log
	s.sampler.Start()

	metrics.SetCurrentState(opts.Name, StateStopped.String(), true)
	go s.run()
	return s
}

// Start brings the companion up and blocks until it is confirmed healthy or
// the attempt fails. It returns (true, nil) when the companion accepts
// requests, including when it already was running. While Degraded it refuses
// with ErrDegraded until Reset.
func (s *Supervisor) Start(ctx context.Context) (bool, error) {
	reply := make(chan result, 1)
	select {
	case s.ctrl <- ctrlMsg{kind: ctrlStart, reply: reply}:
	case <-s.done:
		return false, fmt.Errorf("supervisor shut down")
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.ok, r.err
	case <-s.done:
		return false, fmt.Errorf("supervisor shut down")
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stop terminates the companion and disables automatic restarts until the
// next Start. Stopping an idle supervisor is a no-op.
func (s *Supervisor) Stop() error {
	return s.roundTrip(ctrlStop)
}

// Reset clears the restart counters and leaves Degraded. It never touches a
// running companion.
func (s *Supervisor) Reset() error {
	return s.roundTrip(ctrlReset)
}

// Shutdown stops the companion, the sampler and the state machine. The
// Supervisor is unusable afterwards.
func (s *Supervisor) Shutdown() error {
	return s.roundTrip(ctrlShutdown)
}

func (s *Supervisor) roundTrip(kind ctrlKind) error {
	reply := make(chan result, 1)
	select {
	case s.ctrl <- ctrlMsg{kind: kind, reply: reply}:
	case <-s.done:
		if kind == ctrlShutdown {
			return nil
		}
		return fmt.Errorf("supervisor shut down")
	}
	// The message may sit in the buffer when the machine exits concurrently;
	// done unblocks callers the machine will never answer.
	select {
	case r := <-reply:
		return r.err
	case <-s.done:
		if kind == ctrlShutdown {
			return nil
		}
		return fmt.Errorf("supervisor shut down")
	}
}

// Submit enqueues a request task. The returned channel resolves with the
// task's error, or immediately with queue.ErrServerNotReady when the
// companion is not accepting requests.
func (s *Supervisor) Submit(task queue.Task) <-chan error {
	return s.queue.Submit(task)
}

// Do runs task through the request queue and waits for its outcome.
func (s *Supervisor) Do(ctx context.Context, task queue.Task) error {
	select {
	case err := <-s.Submit(task):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether the companion currently accepts requests. It is the
// queue's gate.
func (s *Supervisor) Ready() bool {
	return s.State() == StateReady
}

// Endpoint returns where the companion listens for the current launch epoch.
func (s *Supervisor) Endpoint() endpoint.ServerEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// run is the state machine. Every transition and every decision about
// launching, restarting or degrading happens here.
func (s *Supervisor) run() {
	defer close(s.done)
	for msg := range s.ctrl {
		switch msg.kind {
		case ctrlStart:
			s.handleStart(msg)
		case ctrlStop:
			s.handleStop(msg)
		case ctrlReset:
			s.handleReset(msg)
		case ctrlShutdown:
			s.handleShutdown(msg)
			return
		case ctrlLaunchDone:
			s.handleLaunchDone(msg)
		case ctrlExit:
			s.handleExit(msg)
		case ctrlHealth:
			s.handleHealth(msg)
		case ctrlRestartStep:
			s.handleRestartStep(msg)
		}
	}
}

func (s *Supervisor) handleStart(msg ctrlMsg) {
	switch s.State() {
	case StateDegraded:
		s.mu.RLock()
		outer := s.restart.outerAttempts
		s.mu.RUnlock()
		msg.reply <- result{false, fmt.Errorf(
			"%w: %d restart sequences failed within %s; inspect the companion logs and call Reset to re-enable supervision",
			ErrDegraded, outer, s.opts.Cooldown)}
	case StateReady:
		if alive, _ := s.proc.DetectAlive(); alive {
			msg.reply <- result{true, nil}
			return
		}
		// The handle died without the exit event landing yet.
		s.transition(StateStopped)
		s.waiters = append(s.waiters, msg.reply)
		s.startLaunch()
	case StateStarting, StateRestarting:
		// Join the in-flight attempt's outcome.
		s.waiters = append(s.waiters, msg.reply)
	default:
		s.waiters = append(s.waiters, msg.reply)
		s.startLaunch()
	}
}

func (s *Supervisor) handleStop(msg ctrlMsg) {
	prev := s.State()
	s.autoRestart = false
	s.resolveWaiters(false, fmt.Errorf("stopped before the companion became ready"))
	s.doCleanup()
	if prev != StateStopped && prev != StateDegraded {
		s.transition(StateStopped)
		metrics.IncStop(s.opts.Name)
		s.record(journal.EventStop, StateStopped.String(), "")
		s.emit(history.EventStop, "")
		s.logger.Info("companion stopped")
	}
	msg.reply <- result{}
}

func (s *Supervisor) handleReset(msg ctrlMsg) {
	s.mu.Lock()
	s.restart = restartState{}
	s.lastErr = nil
	s.mu.Unlock()
	if s.State() == StateDegraded {
		s.transition(StateStopped)
		s.logger.Info("degraded state cleared")
	}
	s.record(journal.EventReset, s.State().String(), "")
	msg.reply <- result{}
}

func (s *Supervisor) handleShutdown(msg ctrlMsg) {
	s.autoRestart = false
	s.resolveWaiters(false, fmt.Errorf("supervisor shutting down"))
	s.doCleanup()
	s.sampler.Stop()
	if s.State() != StateStopped {
		s.transition(StateStopped)
	}
	msg.reply <- result{}
}

// handleHealth consumes steady-state probe outcomes. A restart sequence
// begins only when enough consecutive failures have accumulated and the
// process handle is missing or dead; an alive-but-unhealthy companion is the
// companion's problem to report, not ours to bounce.
func (s *Supervisor) handleHealth(msg ctrlMsg) {
	if !s.autoRestart || msg.healthy {
		return
	}
	if msg.failures < s.opts.FailureTrigger {
		return
	}
	st := s.State()
	if st != StateReady && st != StateStopped {
		return
	}
	if alive, _ := s.proc.DetectAlive(); alive {
		s.logger.Warn("companion unhealthy but process alive; not restarting",
			"consecutive_failures", msg.failures)
		return
	}
	s.beginRestartSequence(fmt.Sprintf("%d consecutive health failures with dead companion", msg.failures))
}

// handleExit consumes process exit events from the watcher goroutine.
func (s *Supervisor) handleExit(msg ctrlMsg) {
	if msg.gen != s.gen {
		return
	}
	s.sampler.SetPID(0)
	s.readiness.Clear()
	s.checkerInvalidate()

	if s.proc.StopRequested() {
		s.logger.Debug("companion exited after stop request")
		return
	}

	detail := "exited cleanly"
	if msg.err != nil {
		detail = msg.err.Error()
	}
	s.record(journal.EventExit, s.State().String(), detail)
	s.emit(history.EventExit, detail)

	switch s.State() {
	case StateReady:
		// Leave the steady loop armed: accumulating probe failures against
		// the dead endpoint will trigger the restart sequence.
		s.logger.Warn("companion exited unexpectedly", "detail", detail)
		s.transition(StateStopped)
	case StateStarting, StateRestarting:
		err := fmt.Errorf("companion exited before becoming ready: %s", detail)
		s.failLaunch(err)
	}
}

func (s *Supervisor) handleLaunchDone(msg ctrlMsg) {
	if msg.gen != s.gen {
		return
	}
	s.launchAbort = nil
	if msg.err != nil {
		s.failLaunch(msg.err)
		return
	}
	s.launchSucceeded()
}

func (s *Supervisor) handleRestartStep(msg ctrlMsg) {
	if msg.gen != s.gen || s.State() != StateRestarting {
		return
	}
	s.pending = nil
	s.seqAttempt++
	s.logger.Info("restart launch attempt",
		"attempt", s.seqAttempt, "of", s.opts.LaunchAttempts)
	if err := s.beginLaunch(); err != nil {
		s.setLastErr(err)
		s.failLaunch(err)
	}
}

// startLaunch is the user-initiated path out of Stopped. Discovery or spawn
// errors surface to the caller unretried.
func (s *Supervisor) startLaunch() {
	s.transition(StateStarting)
	s.autoRestart = true
	if err := s.beginLaunch(); err != nil {
		s.setLastErr(err)
		s.logger.Error("companion launch failed", "error", err)
		s.resolveWaiters(false, err)
		s.doCleanup()
		s.transition(StateStopped)
	}
}

// post delivers an asynchronous observation to the state machine, giving up
// if it has shut down.
func (s *Supervisor) post(msg ctrlMsg) {
	select {
	case s.ctrl <- msg:
	case <-s.done:
	}
}

// postHealth feeds steady-loop results in without ever blocking the loop.
func (s *Supervisor) postHealth(healthy bool, consecutiveFailures int) {
	select {
	case s.ctrl <- ctrlMsg{kind: ctrlHealth, healthy: healthy, failures: consecutiveFailures}:
	default:
	}
}

func (s *Supervisor) resolveWaiters(ok bool, err error) {
	for _, w := range s.waiters {
		w <- result{ok: ok, err: err}
	}
	s.waiters = nil
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(s.opts.Name, from.String(), to.String())
	metrics.SetCurrentState(s.opts.Name, from.String(), false)
	metrics.SetCurrentState(s.opts.Name, to.String(), true)
	s.logger.Debug("state transition", "from", from.String(), "to", to.String())
}

func (s *Supervisor) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) checkerInvalidate() {
	s.mu.RLock()
	c := s.checker
	s.mu.RUnlock()
	if c != nil {
		c.Invalidate()
	}
}

// record appends a lifecycle event to the journal, best-effort.
func (s *Supervisor) record(event, state, detail string) {
	if s.journal == nil {
		return
	}
	snap := s.proc.Snapshot()
	ep := s.Endpoint()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.journal.Append(ctx, journal.Record{
		Name:   s.opts.Name,
		Event:  event,
		State:  state,
		PID:    snap.PID,
		Port:   ep.Port,
		Detail: detail,
	})
	if err != nil {
		s.logger.Warn("journal append failed", "event", event, "error", err)
	}
}

// emit streams a lifecycle event to the configured sinks, best-effort.
func (s *Supervisor) emit(t history.EventType, detail string) {
	if len(s.sinks) == 0 {
		return
	}
	snap := s.proc.Snapshot()
	ep := s.Endpoint()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.sinks.Send(ctx, history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Name:       s.opts.Name,
		State:      s.State().String(),
		PID:        snap.PID,
		Port:       ep.Port,
		Restarts:   snap.Restarts,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("history sink send failed", "event", string(t), "error", err)
	}
}
