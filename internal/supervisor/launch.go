package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aidekit/minder/internal/endpoint"
	"github.com/aidekit/minder/internal/health"
	"github.com/aidekit/minder/internal/history"
	"github.com/aidekit/minder/internal/journal"
	"github.com/aidekit/minder/internal/metrics"
	"github.com/aidekit/minder/internal/monitor"
)

// beginLaunch performs one launch attempt up to the spawn: port allocation,
// interpreter resolution, project-root location, process start, scanner and
// watcher wiring. Readiness confirmation runs asynchronously; the outcome
// arrives as a ctrlLaunchDone message. A non-nil return means nothing was
// spawned.
func (s *Supervisor) beginLaunch() error {
	// Quiesce machinery left over from the previous epoch.
	if s.loop != nil {
		s.loop.Stop()
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	if s.launchAbort != nil {
		s.launchAbort()
		s.launchAbort = nil
	}
	if s.watchAbort != nil {
		s.watchAbort()
		s.watchAbort = nil
	}

	port, err := endpoint.FindAvailablePort(s.opts.Host, s.opts.BasePort)
	if err != nil {
		return err
	}
	ep := endpoint.ServerEndpoint{Host: s.opts.Host, Port: port}

	spec := s.proc.Spec()
	if s.opts.Command != "" {
		spec.Command = s.opts.Command
		spec.ProjectRoot = s.opts.InstallDir
		if spec.ProjectRoot == "" {
			spec.ProjectRoot = "."
		}
	} else {
		interp, err := s.resolver.Resolve(context.Background())
		if err != nil {
			return err
		}
		root, err := s.locator.Locate(s.opts.InstallDir, s.opts.WorkspaceDirs)
		if err != nil {
			return err
		}
		spec.Interpreter = interp
		spec.ProjectRoot = root
	}
	s.proc.UpdateSpec(spec)

	s.readiness.Clear()
	s.sentinel.Remove()

	mergedEnv := s.env.Launch(ep.Host, ep.Port, spec.ProjectRoot)
	cmd, err := s.proc.ConfigureCmd(mergedEnv)
	if err != nil {
		return err
	}
	if !s.proc.MonitoringStartIfNeeded() {
		return fmt.Errorf("previous companion run still winding down")
	}
	if err := s.proc.TryStart(cmd); err != nil {
		s.proc.MonitoringStop()
		s.proc.CloseWriters()
		return err
	}

	s.gen++
	gen := s.gen
	snap := s.proc.Snapshot()
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()

	stdout, stderr := s.proc.OutputReaders()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := monitor.Scanner{Stream: "stdout", Readiness: s.readiness, Logger: s.logger}
		sc.Run(stdout)
	}()
	go func() {
		defer wg.Done()
		sc := monitor.Scanner{Stream: "stderr", Readiness: s.readiness, Logger: s.logger}
		sc.Run(stderr)
	}()
	go s.watchExit(gen, &wg)

	watchCtx, watchCancel := context.WithCancel(context.Background())
	s.watchAbort = watchCancel
	if err := s.sentinel.Start(watchCtx); err != nil {
		s.logger.Warn("sentinel watch unavailable", "path", s.opts.SentinelFile, "error", err)
	}

	url := s.opts.HealthURL
	if url == "" {
		url = ep.HealthURL()
	}
	checker := &health.Checker{
		Name:         s.opts.Name,
		URL:          url,
		Client:       s.opts.HTTPClient,
		TTL:          s.opts.HealthTTL,
		ProbeTimeout: s.opts.ProbeTimeout,
		RetryTimeout: s.opts.RetryTimeout,
		Logger:       s.logger,
	}
	s.mu.Lock()
	s.checker = checker
	s.mu.Unlock()
	s.loop = health.NewLoop(checker, health.LoopOptions{
		Interval: s.opts.LoopInterval,
		Min:      s.opts.LoopMin,
		Max:      s.opts.LoopMax,
		Logger:   s.logger,
		OnResult: s.postHealth,
	})

	s.sampler.SetPID(snap.PID)
	s.logger.Info("companion spawned",
		"pid", snap.PID, "addr", ep.Addr(), "root", spec.ProjectRoot)
	s.record(journal.EventLaunch, StateStarting.String(), "")
	s.emit(history.EventLaunch, "")

	launchCtx, launchCancel := context.WithCancel(context.Background())
	s.launchAbort = launchCancel
	go s.awaitReady(launchCtx, gen, checker)
	return nil
}

// awaitReady blocks on readiness plus health confirmation and reports back.
func (s *Supervisor) awaitReady(ctx context.Context, gen uint64, checker *health.Checker) {
	err := checker.WaitReady(ctx, s.opts.StartupTimeout, s.readiness)
	s.post(ctrlMsg{kind: ctrlLaunchDone, gen: gen, err: err})
}

// watchExit owns cmd.Wait for one launch epoch. Both output streams must hit
// EOF first or Wait would race the pipe reads.
func (s *Supervisor) watchExit(gen uint64, scanners *sync.WaitGroup) {
	scanners.Wait()
	cmd := s.proc.CopyCmd()
	var err error
	if cmd != nil {
		err = cmd.Wait()
	}
	s.proc.CloseWaitDone()
	s.proc.MarkExited(err)
	s.proc.CloseWriters()
	s.proc.MonitoringStop()
	s.post(ctrlMsg{kind: ctrlExit, gen: gen, err: err})
}

// launchSucceeded finalizes a confirmed-healthy launch.
func (s *Supervisor) launchSucceeded() {
	snap := s.proc.Snapshot()
	startupSeconds := time.Since(snap.StartedAt).Seconds()
	if s.State() == StateRestarting {
		s.proc.IncRestarts()
	}
	s.mu.Lock()
	s.restart.outerAttempts = 0
	s.lastErr = nil
	s.mu.Unlock()
	s.seqAttempt = 0
	s.transition(StateReady)
	s.loop.Start()

	metrics.IncStart(s.opts.Name)
	metrics.ObserveStartupDuration(s.opts.Name, startupSeconds)
	s.record(journal.EventReady, StateReady.String(), s.readiness.Source())
	s.emit(history.EventReady, s.readiness.Source())
	s.logger.Info("companion ready",
		"pid", snap.PID,
		"addr", s.Endpoint().Addr(),
		"source", s.readiness.Source(),
		"startup_seconds", fmt.Sprintf("%.2f", startupSeconds))
	s.resolveWaiters(true, nil)
}

// failLaunch handles a launch attempt that spawned but never became ready:
// startup timeout, critical output, or early exit. During an initial start
// the failure surfaces to the waiting callers and hands the problem to the
// restart controller; during a sequence it consumes one inner attempt.
func (s *Supervisor) failLaunch(err error) {
	s.setLastErr(err)
	switch s.State() {
	case StateStarting:
		s.logger.Error("companion failed to become ready", "error", err)
		s.resolveWaiters(false, err)
		s.beginRestartSequence(fmt.Sprintf("startup failed: %v", err))
	case StateRestarting:
		s.logger.Warn("restart attempt failed",
			"attempt", s.seqAttempt, "of", s.opts.LaunchAttempts, "error", err)
		s.doCleanup()
		if s.seqAttempt < s.opts.LaunchAttempts {
			delay := time.Duration(s.seqAttempt) * s.opts.AttemptDelay
			gen := s.gen
			s.pending = time.AfterFunc(delay, func() {
				s.post(ctrlMsg{kind: ctrlRestartStep, gen: gen})
			})
		} else {
			s.sequenceFailed(err)
		}
	}
}
