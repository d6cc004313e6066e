package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/hq-labs/relay/internal/domain"
)

// Registry is the process-wide mapping from connection key to live
// socket: a single flat map keyed by deviceId (browsers) or
// "relay:<sessionId>" (workers).
type Registry struct {
	mu                sync.RWMutex
	conns             map[string]*Connection
	queueSize         int
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// New constructs a Registry. queueSize <= 0 uses DefaultQueueSize.
func New(queueSize int, heartbeatInterval time.Duration, logger *slog.Logger) *Registry {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:             make(map[string]*Connection),
		queueSize:         queueSize,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Register atomically replaces any prior connection under key. The
// displaced connection, if any, is closed with code 1000 and reason
// "New connection established". The survivor is whichever call to
// Register for this key executes its swap last.
func (r *Registry) Register(key string, kind domain.ConnectionKind, sock Socket) *Connection {
	conn := newConnection(key, kind, sock, r.queueSize, r.logger)

	r.mu.Lock()
	prior := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if prior != nil {
		_ = prior.Close(websocket.StatusNormalClosure, "New connection established")
		r.logger.Info("connection replaced", "key", key)
	}
	return conn
}

// Remove removes the registered connection under key iff it is exactly
// conn — a no-op otherwise, protecting against a stale close racing a
// newer registration.
func (r *Registry) Remove(key string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[key]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, key)
	return true
}

// Get returns the connection registered under key, if any.
func (r *Registry) Get(key string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key]
	return c, ok
}

// GetAll returns a snapshot slice of all registered connections.
func (r *Registry) GetAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Size returns the number of live connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastToSubscribers sends data to every browser connection currently
// subscribed to sessionID. Broadcast ordering across connections is not
// guaranteed; per-connection ordering is preserved by each connection's
// own send queue.
func (r *Registry) BroadcastToSubscribers(sessionID string, data []byte) {
	for _, c := range r.GetAll() {
		if c.Kind == domain.ConnBrowser && c.IsSubscribed(sessionID) {
			c.Send(data)
		}
	}
}

// RunHeartbeat pings every connection every heartbeatInterval. A
// connection that misses two consecutive pongs is closed and removed.
// Blocks until ctx is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepHeartbeat(ctx)
		}
	}
}

func (r *Registry) sweepHeartbeat(ctx context.Context) {
	for _, c := range r.GetAll() {
		if time.Since(c.lastPingAt()) > 2*r.heartbeatInterval {
			r.logger.Warn("connection missed heartbeat, closing", "key", c.Key)
			_ = c.Close(websocket.StatusGoingAway, "heartbeat timeout")
			r.Remove(c.Key, c)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.sock.Ping(pingCtx)
		cancel()
		if err != nil {
			if atomic.AddInt32(&c.missedPings, 1) < 2 {
				r.logger.Debug("connection missed a pong", "key", c.Key, "error", err)
				continue
			}
			r.logger.Warn("connection missed two consecutive pongs, closing", "key", c.Key, "error", err)
			_ = c.Close(websocket.StatusGoingAway, "ping failed")
			r.Remove(c.Key, c)
			continue
		}
		c.RecordPong()
	}
}
