// Package session implements the session lifecycle state machine:
// creation, startup-phase progression, activity tracking, and
// termination, serialized per session through an actor so that
// concurrent relay events never race each other into an inconsistent
// status.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/auth"
	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/spawner"
	"github.com/hq-labs/relay/internal/store"
)

// CreateInput describes a session-create request.
type CreateInput struct {
	UserID        string
	InitialPrompt string
	WorkerContext map[string]interface{}
	Capabilities  map[string]interface{}
	Skill         string
	Project       string
	CPU           int64
	MemoryMB      int64
}

// Manager owns the authoritative session records and drives their
// lifecycle transitions.
type Manager struct {
	repo    store.Repository
	spawn   spawner.Spawner
	logger  *slog.Logger
	apiURL  string

	mu     sync.Mutex
	actors map[string]*actor
}

// New constructs a Manager. apiURL is the control-plane base URL handed
// to spawned workers so they know where to dial back.
func New(repo store.Repository, spawn spawner.Spawner, apiURL string, logger *slog.Logger) *Manager {
	return &Manager{
		repo:   repo,
		spawn:  spawn,
		apiURL: apiURL,
		logger: logger,
		actors: make(map[string]*actor),
	}
}

func (m *Manager) actorFor(sessionID string) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[sessionID]
	if !ok {
		a = newActor()
		m.actors[sessionID] = a
	}
	return a
}

// dropActor stops and forgets sessionID's actor. Called once a session
// reaches a terminal status.
func (m *Manager) dropActor(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[sessionID]; ok {
		a.stop()
		delete(m.actors, sessionID)
	}
}

// Create persists a new session in SessionStarting/PhaseProvisioning and
// spawns its worker task; the session stays in PhaseProvisioning until
// the relay calls AdvanceToInitializing. The worker catalogue entry is
// created alongside it.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*domain.Session, error) {
	if in.InitialPrompt == "" {
		return nil, apperr.Validation("initial_prompt is required")
	}
	if err := spawner.ValidateResources(in.CPU, in.MemoryMB); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &domain.Session{
		SessionID:      uuid.NewString(),
		UserID:         in.UserID,
		Status:         domain.SessionStarting,
		StartupPhase:   domain.PhaseProvisioning,
		InitialPrompt:  in.InitialPrompt,
		WorkerContext:  in.WorkerContext,
		Capabilities:   in.Capabilities,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Internal("create session", err)
	}

	worker := &domain.Worker{
		ID:        uuid.NewString(),
		Name:      fmt.Sprintf("%s-worker", sess.SessionID[:8]),
		Status:    domain.WorkerRunning,
		SessionID: sess.SessionID,
		Skill:     in.Skill,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.UpsertWorker(ctx, worker); err != nil {
		return nil, apperr.Internal("create worker record", err)
	}

	accessToken, err := auth.GenerateAccessToken()
	if err != nil {
		return nil, err
	}
	if err := m.repo.CreateAccessToken(ctx, &domain.AccessToken{
		Token:     accessToken,
		SessionID: sess.SessionID,
		CreatedAt: now,
	}); err != nil {
		return nil, apperr.Internal("create access token", err)
	}

	trackingID, spawnErr := m.spawn.Spawn(ctx, spawner.Params{
		SessionID:   sess.SessionID,
		APIURL:      m.apiURL,
		AccessToken: accessToken,
		WorkerID:    worker.ID,
		Skill:       in.Skill,
		Project:     in.Project,
		CPU:         in.CPU,
		MemoryMB:    in.MemoryMB,
		Parameters:  in.WorkerContext,
	})
	if spawnErr != nil {
		sess.Status = domain.SessionErrored
		sess.Error = spawnErr.Error()
		_ = m.repo.UpdateSession(ctx, sess)
		return nil, apperr.Internal("spawn worker", spawnErr)
	}

	sess.TrackingID = trackingID
	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return nil, apperr.Internal("update session after spawn", err)
	}

	sess.AccessToken = accessToken
	m.logger.Info("session created", "session_id", sess.SessionID, "user_id", sess.UserID, "tracking_id", trackingID)
	return sess, nil
}

// Get fetches a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("get session", err)
	}
	if sess == nil {
		return nil, apperr.NotFound("session not found")
	}
	return sess, nil
}

// List returns a user's sessions.
func (m *Manager) List(ctx context.Context, userID string) ([]*domain.Session, error) {
	sessions, err := m.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list sessions", err)
	}
	return sessions, nil
}

// AdvanceToInitializing moves a session from PhaseProvisioning to
// PhaseInitializing, fired once the relay has registered the worker
// connection and sent the initial prompt.
func (m *Manager) AdvanceToInitializing(ctx context.Context, sessionID string) error {
	return m.mutate(ctx, sessionID, func(ctx context.Context, sess *domain.Session) error {
		if sess.Terminal() {
			return apperr.Conflict("session already terminal")
		}
		sess.StartupPhase = domain.PhaseInitializing
		return nil
	})
}

// MarkReady transitions a session out of the startup phases into full
// activity and persists the worker-reported capabilities, serialized
// through the session's actor. Fired on the worker's `system`/`init`
// frame.
func (m *Manager) MarkReady(ctx context.Context, sessionID string, capabilities map[string]interface{}) error {
	return m.mutate(ctx, sessionID, func(ctx context.Context, sess *domain.Session) error {
		if sess.Terminal() {
			return apperr.Conflict("session already terminal")
		}
		sess.Status = domain.SessionActive
		sess.StartupPhase = domain.PhaseReady
		sess.Capabilities = capabilities
		sess.LastActivityAt = time.Now()
		return nil
	})
}

// RecordActivity bumps LastActivityAt and the message counter, used by
// the relay each time it receives a recognized frame from the worker.
func (m *Manager) RecordActivity(ctx context.Context, sessionID string) error {
	return m.mutate(ctx, sessionID, func(ctx context.Context, sess *domain.Session) error {
		if sess.Terminal() {
			return apperr.Conflict("session already terminal")
		}
		sess.LastActivityAt = time.Now()
		sess.MessageCount++
		return nil
	})
}

// Stop transitions a session to SessionStopped and tears down its
// worker task. Idempotent: stopping an already-terminal session is a
// no-op rather than an error, since the caller (an HTTP handler or a
// timer sweep) may race the worker's own disconnect.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return nil
	}
	if sess.TrackingID != "" {
		if err := m.spawn.Stop(ctx, sess.TrackingID); err != nil {
			m.logger.Warn("failed to stop worker task", "session_id", sessionID, "error", err)
		}
	}
	now := time.Now()
	sess.Status = domain.SessionStopped
	sess.StoppedAt = &now
	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return apperr.Internal("mark session stopped", err)
	}
	m.dropActor(sessionID)
	return nil
}

// Errored transitions a session to SessionErrored with the given reason
// and tears down its worker task the same way Stop does.
func (m *Manager) Errored(ctx context.Context, sessionID, reason string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return nil
	}
	if sess.TrackingID != "" {
		if err := m.spawn.Stop(ctx, sess.TrackingID); err != nil {
			m.logger.Warn("failed to stop worker task on error", "session_id", sessionID, "error", err)
		}
	}
	now := time.Now()
	sess.Status = domain.SessionErrored
	sess.StoppedAt = &now
	sess.Error = reason
	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return apperr.Internal("mark session errored", err)
	}
	m.dropActor(sessionID)
	return nil
}

// mutate loads sessionID, serializes fn against the session's actor,
// persists the result, and propagates fn's error back to the caller.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(context.Context, *domain.Session) error) error {
	a := m.actorFor(sessionID)
	result := make(chan error, 1)
	a.submit(func(ctx context.Context) {
		sess, err := m.Get(ctx, sessionID)
		if err != nil {
			result <- err
			return
		}
		if err := fn(ctx, sess); err != nil {
			result <- err
			return
		}
		result <- m.repo.UpdateSession(ctx, sess)
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return apperr.Cancelled("session mutation cancelled")
	}
}
