package supervisor

import (
	"fmt"
	"time"

	"github.com/aidekit/minder/internal/history"
	"github.com/aidekit/minder/internal/journal"
	"github.com/aidekit/minder/internal/metrics"
)

// beginRestartSequence opens one bounded recovery sequence: cleanup, settle
// delay, then up to LaunchAttempts launches. Entry is state-guarded so two
// sequences can never run at once. The outer counter resets when the last
// sequence started more than a cooldown ago.
func (s *Supervisor) beginRestartSequence(reason string) {
	st := s.State()
	if st == StateRestarting || st == StateDegraded {
		return
	}

	now := time.Now()
	s.mu.Lock()
	if !s.restart.lastRestartAt.IsZero() && now.Sub(s.restart.lastRestartAt) > s.opts.Cooldown {
		s.restart.outerAttempts = 0
	}
	s.restart.outerAttempts++
	s.restart.lastRestartAt = now
	outer := s.restart.outerAttempts
	s.mu.Unlock()

	s.transition(StateRestarting)
	s.seqAttempt = 0
	metrics.IncRestartSequence(s.opts.Name)
	s.record(journal.EventRestart, StateRestarting.String(), reason)
	s.emit(history.EventRestart, reason)
	s.logger.Warn("beginning restart sequence",
		"sequence", outer, "cap", s.opts.SequenceCap, "reason", reason)

	s.doCleanup()
	gen := s.gen
	s.pending = time.AfterFunc(s.opts.SettleDelay, func() {
		s.post(ctrlMsg{kind: ctrlRestartStep, gen: gen})
	})
}

// sequenceFailed closes a sequence whose attempts are exhausted: Degraded at
// the cap, otherwise back to Stopped with the steady loop re-armed so
// continued failures can trigger the next sequence.
func (s *Supervisor) sequenceFailed(err error) {
	s.mu.RLock()
	outer := s.restart.outerAttempts
	s.mu.RUnlock()

	if outer >= s.opts.SequenceCap {
		s.transition(StateDegraded)
		s.autoRestart = false
		detail := fmt.Sprintf("%d restart sequences failed: %v", outer, err)
		s.record(journal.EventDegraded, StateDegraded.String(), detail)
		s.emit(history.EventDegraded, detail)
		s.logger.Error("supervision degraded; automatic restarts disabled",
			"sequences", outer, "error", err)
		return
	}
	s.transition(StateStopped)
	if s.loop != nil {
		s.loop.Start()
	}
	s.logger.Warn("restart sequence failed",
		"sequence", outer, "cap", s.opts.SequenceCap, "error", err)
}

// doCleanup tears one launch epoch down: pending timers and the in-flight
// readiness wait are invalidated, the steady loop stops, queued requests are
// rejected, the process group is terminated with bounded grace, and every
// readiness signal is wiped. Safe to call any number of times.
func (s *Supervisor) doCleanup() {
	s.gen++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	if s.launchAbort != nil {
		s.launchAbort()
		s.launchAbort = nil
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	s.queue.Flush()
	if s.watchAbort != nil {
		s.watchAbort()
		s.watchAbort = nil
	}
	if alive, _ := s.proc.DetectAlive(); alive {
		if err := s.proc.Stop(s.opts.KillGrace); err != nil {
			s.logger.Debug("companion terminated", "exit", err)
		}
	}
	s.readiness.Clear()
	s.checkerInvalidate()
	s.sentinel.Remove()
	s.sampler.SetPID(0)
}
