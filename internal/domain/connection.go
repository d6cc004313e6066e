package domain

import "time"

// ConnectionKind distinguishes the two kinds of sockets the registry holds.
type ConnectionKind string

const (
	ConnBrowser ConnectionKind = "browser"
	ConnWorker  ConnectionKind = "worker"
)

// ConnectionStats is a snapshot of a connection's liveness and queue health,
// exposed for diagnostics and tests.
type ConnectionStats struct {
	Key           string
	Kind          ConnectionKind
	IsAlive       bool
	LastPing      time.Time
	QueueLen      int
	QueueCapacity int
	Dropped       int64
}
