package session

import (
	"context"
	"time"
)

// TimerConfig controls the three sweep thresholds the timer loop
// enforces: startup, idle, and terminal-record grace period, applied
// independently across every concurrent session.
type TimerConfig struct {
	SweepInterval  time.Duration
	StartupTimeout time.Duration // starting sessions stuck past this are errored
	IdleTimeout    time.Duration // active sessions idle past this are stopped
	GraceTTL       time.Duration // terminal sessions kept this long before deletion
}

// DefaultTimerConfig returns conservative defaults: a 5 minute sweep
// interval and a generous terminal-record grace period.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		SweepInterval:  5 * time.Minute,
		StartupTimeout: 5 * time.Minute,
		IdleTimeout:    30 * time.Minute,
		GraceTTL:       7 * 24 * time.Hour,
	}
}

// RunTimers runs the three sweeps on SweepInterval until ctx is
// cancelled. cmd/server does not launch it; it runs its own equivalent
// sweep (runSessionReaper) driven by config.SessionConfig.
func (m *Manager) RunTimers(ctx context.Context, cfg TimerConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	m.logger.Info("session timer sweep started", "interval", cfg.SweepInterval)

	for {
		select {
		case <-ticker.C:
			m.sweepExpiredStarting(ctx, cfg.StartupTimeout)
			m.sweepIdleActive(ctx, cfg.IdleTimeout)
			m.sweepTerminal(ctx, cfg.GraceTTL)
		case <-ctx.Done():
			m.logger.Info("session timer sweep shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (m *Manager) sweepExpiredStarting(ctx context.Context, timeout time.Duration) {
	expired, err := m.repo.GetExpiredStartingSessions(ctx, timeout)
	if err != nil {
		m.logger.Error("timer sweep: get expired starting sessions", "error", err)
		return
	}
	for _, sess := range expired {
		m.logger.Info("timer sweep: startup timed out", "session_id", sess.SessionID)
		if err := m.Errored(ctx, sess.SessionID, "startup timed out"); err != nil {
			m.logger.Error("timer sweep: failed to error out session", "session_id", sess.SessionID, "error", err)
		}
	}
}

func (m *Manager) sweepIdleActive(ctx context.Context, idleFor time.Duration) {
	idle, err := m.repo.GetIdleActiveSessions(ctx, idleFor)
	if err != nil {
		m.logger.Error("timer sweep: get idle active sessions", "error", err)
		return
	}
	for _, sess := range idle {
		m.logger.Info("timer sweep: idle session stopped", "session_id", sess.SessionID)
		if err := m.Stop(ctx, sess.SessionID); err != nil {
			m.logger.Error("timer sweep: failed to stop idle session", "session_id", sess.SessionID, "error", err)
		}
	}
}

func (m *Manager) sweepTerminal(ctx context.Context, olderThan time.Duration) {
	deleted, err := m.repo.DeleteTerminalSessions(ctx, olderThan)
	if err != nil {
		m.logger.Error("timer sweep: delete terminal sessions", "error", err)
		return
	}
	if deleted > 0 {
		m.logger.Info("timer sweep: deleted terminal sessions past grace TTL", "count", deleted)
	}
}
