// Package registry implements the process-wide connection registry. It
// tracks every live browser and worker socket under a single key,
// replaces-on-duplicate-key, and runs the liveness heartbeat.
//
// Each connection's outbound queue is bounded with drop-oldest
// backpressure: a slow reader must never block the writer driving it,
// so overflow drops the oldest queued frame rather than the sender.
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

// DefaultQueueSize is the default bound on a connection's outbound
// queue.
const DefaultQueueSize = 1024

// Socket is the minimal surface a registry connection needs from a
// websocket, narrowed so tests can supply a fake.
type Socket interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// Connection wraps one live socket with a bounded outbound queue and
// liveness tracking.
type Connection struct {
	Key           string
	Kind          domain.ConnectionKind
	sock          Socket
	queue         chan []byte
	dropped       int64
	alive         int32
	missedPings   int32
	mu            sync.Mutex
	lastPing      time.Time
	subscriptions map[string]bool
	closed        int32
	done          chan struct{}
	logger        *slog.Logger
}

func newConnection(key string, kind domain.ConnectionKind, sock Socket, queueSize int, logger *slog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	c := &Connection{
		Key:           key,
		Kind:          kind,
		sock:          sock,
		queue:         make(chan []byte, queueSize),
		alive:         1,
		lastPing:      time.Now(),
		subscriptions: make(map[string]bool),
		done:          make(chan struct{}),
		logger:        logger,
	}
	go c.sendLoop()
	return c
}

// Subscribe adds a session id to this browser connection's subscription
// set.
func (c *Connection) Subscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sessionID] = true
}

// Unsubscribe removes a session id from the subscription set.
func (c *Connection) Unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, sessionID)
}

// IsSubscribed reports whether this connection is subscribed to sessionID.
func (c *Connection) IsSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[sessionID]
}

// Send enqueues a frame for this connection. Never blocks: on a full
// queue the oldest frame is dropped to make room and Dropped is
// incremented.
func (c *Connection) Send(data []byte) {
	select {
	case c.queue <- data:
		return
	default:
	}

	select {
	case <-c.queue:
		atomic.AddInt64(&c.dropped, 1)
		if c.logger != nil {
			c.logger.Warn("connection queue full, dropped oldest frame", "key", c.Key)
		}
	default:
	}

	select {
	case c.queue <- data:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

func (c *Connection) sendLoop() {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.queue:
			if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
				c.markDead()
				return
			}
		}
	}
}

func (c *Connection) markDead() {
	atomic.StoreInt32(&c.alive, 0)
}

// IsAlive reports current liveness as tracked by the heartbeat.
func (c *Connection) IsAlive() bool {
	return atomic.LoadInt32(&c.alive) == 1
}

// RecordPong updates lastPing to now and resets the missed-ping counter.
func (c *Connection) RecordPong() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
	atomic.StoreInt32(&c.missedPings, 0)
}

func (c *Connection) lastPingAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Close closes the underlying socket exactly once with the given code and
// reason, and stops the send loop.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	atomic.StoreInt32(&c.alive, 0)
	close(c.done)
	return c.sock.Close(code, reason)
}

// Dropped returns the number of frames dropped due to backpressure.
func (c *Connection) Dropped() int64 {
	return atomic.LoadInt64(&c.dropped)
}

// Stats returns a diagnostic snapshot of this connection.
func (c *Connection) Stats() domain.ConnectionStats {
	return domain.ConnectionStats{
		Key:           c.Key,
		Kind:          c.Kind,
		IsAlive:       c.IsAlive(),
		LastPing:      c.lastPingAt(),
		QueueLen:      len(c.queue),
		QueueCapacity: cap(c.queue),
		Dropped:       c.Dropped(),
	}
}
