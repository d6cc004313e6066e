// Package domain contains the core record types for the relay control
// plane: sessions, messages, pending questions, connections, sync state,
// API keys, and shares.
package domain

import "time"

// SessionStatus is the top-level status of a session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionStopped  SessionStatus = "stopped"
	SessionErrored  SessionStatus = "errored"
)

// StartupPhase sub-divides SessionStarting and the first moments of
// SessionActive for user-facing progress indication.
type StartupPhase string

const (
	PhaseNone         StartupPhase = "none"
	PhaseProvisioning StartupPhase = "provisioning"
	PhaseInitializing StartupPhase = "initializing"
	PhaseReady        StartupPhase = "ready"
)

// Session is the lifecycle record for a single worker invocation.
type Session struct {
	SessionID      string
	UserID         string
	Status         SessionStatus
	StartupPhase   StartupPhase
	InitialPrompt  string
	WorkerContext  map[string]interface{}
	Capabilities   map[string]interface{}
	CreatedAt      time.Time
	LastActivityAt time.Time
	StoppedAt      *time.Time
	Error          string
	MessageCount   int64
	TrackingID     string

	// AccessToken carries the worker's single-use bearer credential back
	// to the caller that created the session. Populated only by
	// Manager.Create's in-memory return value; never persisted or
	// reloaded from storage, so a Session fetched via Get/List always
	// has it empty.
	AccessToken string `json:"-"`
}

// HasActiveSocket returns whether a session is in a status where a worker
// socket is expected to still be attached or about to attach.
func (s *Session) HasActiveSocket() bool {
	return s.Status == SessionStarting || s.Status == SessionActive
}

// Terminal returns whether the session has reached a terminal status.
func (s *Session) Terminal() bool {
	return s.Status == SessionStopped || s.Status == SessionErrored
}

// IdleFor reports how long the session has been idle relative to now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}
