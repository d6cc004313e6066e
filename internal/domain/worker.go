package domain

import "time"

// WorkerStatus reflects where a worker is in the question-blocker cycle,
// surfaced to browsers via session_status events.
type WorkerStatus string

const (
	WorkerRunning      WorkerStatus = "running"
	WorkerWaitingInput WorkerStatus = "waiting_input"
	WorkerResuming     WorkerStatus = "resuming"
)

// Worker is the catalogue record for a spawned compute task.
type Worker struct {
	ID         string
	Name       string
	Status     WorkerStatus
	SessionID  string
	TrackingID string
	Skill      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
