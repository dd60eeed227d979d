package supervisor

import (
	"context"
	"fmt"
	"time"
)

// Run drives the periodic health check until ctx is done. It never waits on
// request traffic and survives panics in a single check.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.kick:
		}
		s.check(ctx)
	}
}

// NoteProbeFailure requests an immediate health check. Callers that observe
// the process as unreachable use it instead of tracking liveness themselves.
func (s *Supervisor) NoteProbeFailure(err error) {
	if err != nil {
		s.log.Debug().Err(err).Msg("probe failure noted")
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Supervisor) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("health check panicked; stopping process")
			if err := s.acquire(context.Background()); err == nil {
				s.stopLocked("panic")
				s.release()
			}
		}
	}()

	s.mu.RLock()
	p, state, want, fatal, lastErr := s.proc, s.state, s.wantRunning, s.fatal, s.lastErr
	s.mu.RUnlock()

	switch {
	case fatal != nil:
		return
	case p == nil:
		// A previous restart failed to bring the process back.
		if want {
			if lastErr == nil {
				lastErr = fmt.Errorf("engine process not running")
			}
			s.restart(ctx, lastErr)
		}
		return
	case state == StateStarting:
		return
	}

	err := s.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	if err == nil {
		recovered := s.state == StateUnhealthy
		s.failures = 0
		s.state = StateReady
		s.mu.Unlock()
		if recovered {
			processUp.WithLabelValues(s.cfg.Provider).Set(1)
			s.log.Info().Str("event", "health_recovered").Msg("engine process healthy again")
			s.publish("health_recovered", nil)
		}
		return
	}
	s.failures++
	n := s.failures
	turnedUnhealthy := n >= s.cfg.UnhealthyThreshold && s.state == StateReady
	if turnedUnhealthy {
		s.state = StateUnhealthy
	}
	s.mu.Unlock()

	healthFailuresTotal.WithLabelValues(s.cfg.Provider).Inc()
	s.log.Debug().Err(err).Int("failures", n).Msg("health check failed")
	if turnedUnhealthy {
		processUp.WithLabelValues(s.cfg.Provider).Set(0)
		s.log.Warn().Str("event", "health_unhealthy").Int("failures", n).Err(err).Msg("engine process unhealthy")
		s.publish("health_unhealthy", map[string]any{"failures": n})
	}
	if n >= s.cfg.RestartThreshold {
		s.restart(ctx, fmt.Errorf("health check failed %d times: %w", n, err))
	}
}

// restart stops and starts the process unless the rolling restart budget is
// spent, in which case the supervisor latches a fatal error and stays stopped.
func (s *Supervisor) restart(ctx context.Context, cause error) {
	if err := s.acquire(ctx); err != nil {
		return
	}
	defer s.release()

	s.mu.Lock()
	if !s.wantRunning || s.fatal != nil {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.restarts = pruneBefore(s.restarts, now.Add(-s.cfg.RestartWindow))
	if len(s.restarts) >= s.cfg.MaxRestarts {
		s.fatal = fmt.Errorf("%w: %d restarts within %s: %v", ErrRestartBudgetExhausted, len(s.restarts), s.cfg.RestartWindow, cause)
		s.wantRunning = false
		fatal := s.fatal
		s.mu.Unlock()

		s.stopLocked("restart budget exhausted")
		s.log.Error().Str("event", "restart_budget_exhausted").Err(fatal).Msg("giving up on engine process")
		s.publish("restart_budget_exhausted", map[string]any{"cause": cause.Error()})
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(fatal)
		}
		return
	}
	s.restarts = append(s.restarts, now)
	attempt := len(s.restarts)
	s.mu.Unlock()

	processRestartsTotal.WithLabelValues(s.cfg.Provider).Inc()
	s.log.Warn().Str("event", "restart").Int("attempt", attempt).Err(cause).Msg("restarting engine process")
	s.publish("restart", map[string]any{"attempt": attempt, "cause": cause.Error()})
	if s.cfg.OnRestart != nil {
		s.cfg.OnRestart(cause)
	}
	s.stopLocked("restart")
	if _, err := s.startLocked(ctx); err != nil {
		s.log.Warn().Err(err).Msg("restart attempt failed")
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
