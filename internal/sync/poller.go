// Package sync implements the file-sync poller that reconciles an
// object-store prefix with a local mirror directory on a timer,
// maintaining a versioned on-disk state cache.
//
// Each poll cycle lists remote objects, diffs them against the local
// state cache, and downloads or deletes the difference. The state file
// is written via temp-file-then-rename so a reader never observes a
// partially written cache.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/ignore"
)

const stateVersion = 1

// ObjectInfo describes one remote object as reported by a Lister.
type ObjectInfo struct {
	RelativePath string
	LastModified time.Time
	ETag         string
	Size         int64
}

// Lister is the object-store surface the poller needs: list everything
// under a prefix (paginated, capped at maxPages) and fetch one object's
// body by its path relative to the prefix. Satisfied in production by
// an S3Lister wrapping *s3.Client; tests supply an in-memory fake.
type Lister interface {
	List(ctx context.Context, prefix string, maxPages int) ([]ObjectInfo, error)
	Download(ctx context.Context, prefix, relativePath string) (io.ReadCloser, error)
}

// EventType is the closed set of events a poll cycle emits.
type EventType string

const (
	EventPollSkipped    EventType = "pollSkipped"
	EventChangeDetected EventType = "changeDetected"
	EventFileDownloaded EventType = "fileDownloaded"
	EventFileDeleted    EventType = "fileDeleted"
	EventPollComplete   EventType = "pollComplete"
	EventError          EventType = "error"
)

// ChangeKind distinguishes the two reconciliation outcomes a
// changeDetected event reports.
type ChangeKind string

const (
	ChangeUpdated ChangeKind = "changed"
	ChangeDeleted ChangeKind = "deleted"
)

// Event is one observable step of a poll cycle, delivered synchronously
// and in-process to the poller's EventHandler.
type Event struct {
	Type         EventType
	RelativePath string
	Change       ChangeKind
	Err          error
	Counts       *PollCounts
}

// PollCounts summarizes one completed poll cycle.
type PollCounts struct {
	Changed    int
	Deleted    int
	Downloaded int
	Errors     int
}

// EventHandler receives poll-cycle events as they occur.
type EventHandler func(Event)

// Config configures one poller instance.
type Config struct {
	RemotePrefix       string
	LocalDir           string
	PollInterval       time.Duration
	Concurrency        int
	DeletePolicy       domain.DeletePolicy
	TrashDir           string
	StateFilePath      string
	ExcludePatterns    []string
	MaxListPages       int
	PreserveTimestamps bool
	UserID             string
}

// DefaultConcurrency is the default download parallelism.
const DefaultConcurrency = 5

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxListPages <= 0 {
		c.MaxListPages = 1000
	}
	if c.DeletePolicy == "" {
		c.DeletePolicy = domain.DeleteKeep
	}
	return c
}

// Poller reconciles one {remotePrefix, localDir} pair on a timer.
type Poller struct {
	cfg     Config
	lister  Lister
	matcher *ignore.Matcher
	onEvent EventHandler
	logger  *slog.Logger

	running int32 // atomic guard: at most one poll cycle at a time

	stateMu sync.Mutex
	state   *domain.SyncState

	runMu  sync.Mutex
	cancel context.CancelFunc
}

// New constructs a Poller, loading any existing on-disk state at
// cfg.StateFilePath. A missing state file starts from an empty state,
// not an error.
func New(cfg Config, lister Lister, onEvent EventHandler, logger *slog.Logger) (*Poller, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:     cfg,
		lister:  lister,
		matcher: ignore.Parse(cfg.ExcludePatterns),
		onEvent: onEvent,
		logger:  logger,
	}
	state, err := loadState(cfg.StateFilePath, cfg.UserID, cfg.RemotePrefix)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	p.state = state
	return p, nil
}

func loadState(path, userID, prefix string) (*domain.SyncState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyState(userID, prefix), nil
	}
	if err != nil {
		return nil, err
	}
	var s domain.SyncState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Entries == nil {
		s.Entries = make(map[string]*domain.SyncStateEntry)
	}
	return &s, nil
}

func emptyState(userID, prefix string) *domain.SyncState {
	return &domain.SyncState{
		Version:  stateVersion,
		UserID:   userID,
		S3Prefix: prefix,
		Entries:  make(map[string]*domain.SyncStateEntry),
	}
}

func (p *Poller) emit(e Event) {
	if p.onEvent != nil {
		p.onEvent(e)
	}
}

// Start launches the poller's periodic Poll loop. Idempotent: calling
// Start on an already-running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.runLoop(runCtx)
}

// Stop halts the poller's periodic loop. Idempotent.
func (p *Poller) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
}

func (p *Poller) runLoop(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.Warn("poll cycle failed", "remote_prefix", p.cfg.RemotePrefix, "error", err)
			}
		}
	}
}

// ResetState clears the poller's in-memory and on-disk state.
func (p *Poller) ResetState() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = emptyState(p.cfg.UserID, p.cfg.RemotePrefix)
	if err := os.Remove(p.cfg.StateFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Poll runs one reconciliation cycle: list, diff against local state,
// download or delete the difference, then persist the new state.
func (p *Poller) Poll(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		p.emit(Event{Type: EventPollSkipped})
		return nil
	}
	defer atomic.StoreInt32(&p.running, 0)

	remote, err := p.lister.List(ctx, p.cfg.RemotePrefix, p.cfg.MaxListPages)
	if err != nil {
		p.emit(Event{Type: EventError, Err: err})
		return fmt.Errorf("list remote prefix: %w", err)
	}

	remoteByPath := make(map[string]ObjectInfo, len(remote))
	for _, obj := range remote {
		if p.matcher.Match(obj.RelativePath, false) {
			continue
		}
		remoteByPath[obj.RelativePath] = obj
	}

	p.stateMu.Lock()
	var changed []ObjectInfo
	for path, obj := range remoteByPath {
		entry, ok := p.state.Entries[path]
		if !ok || entry.ETag != obj.ETag {
			changed = append(changed, obj)
		}
	}
	var deleted []string
	for path := range p.state.Entries {
		if _, ok := remoteByPath[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	p.stateMu.Unlock()

	for _, obj := range changed {
		p.emit(Event{Type: EventChangeDetected, RelativePath: obj.RelativePath, Change: ChangeUpdated})
	}
	for _, path := range deleted {
		p.emit(Event{Type: EventChangeDetected, RelativePath: path, Change: ChangeDeleted})
	}

	counts := &PollCounts{Changed: len(changed), Deleted: len(deleted)}
	p.downloadAll(ctx, changed, counts)
	p.applyDeletePolicy(deleted, counts)

	if err := p.persistState(); err != nil {
		p.emit(Event{Type: EventError, Err: err})
		return fmt.Errorf("persist sync state: %w", err)
	}

	p.emit(Event{Type: EventPollComplete, Counts: counts})
	return nil
}

func (p *Poller) downloadAll(ctx context.Context, changed []ObjectInfo, counts *PollCounts) {
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, obj := range changed {
		wg.Add(1)
		sem <- struct{}{}
		go func(obj ObjectInfo) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.downloadOne(ctx, obj); err != nil {
				p.logger.Warn("download failed", "path", obj.RelativePath, "error", err)
				p.emit(Event{Type: EventError, RelativePath: obj.RelativePath, Err: err})
				mu.Lock()
				counts.Errors++
				mu.Unlock()
				return
			}
			mu.Lock()
			counts.Downloaded++
			mu.Unlock()
			p.emit(Event{Type: EventFileDownloaded, RelativePath: obj.RelativePath})
		}(obj)
	}
	wg.Wait()
}

func (p *Poller) downloadOne(ctx context.Context, obj ObjectInfo) error {
	target := filepath.Join(p.cfg.LocalDir, filepath.FromSlash(obj.RelativePath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	body, err := p.lister.Download(ctx, p.cfg.RemotePrefix, obj.RelativePath)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".sync-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if p.cfg.PreserveTimestamps && !obj.LastModified.IsZero() {
		_ = os.Chtimes(tmpPath, obj.LastModified, obj.LastModified)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}

	p.stateMu.Lock()
	p.state.Entries[obj.RelativePath] = &domain.SyncStateEntry{
		RelativePath: obj.RelativePath,
		LastModified: obj.LastModified.Unix(),
		ETag:         obj.ETag,
		Size:         obj.Size,
		SyncedAt:     time.Now(),
	}
	p.stateMu.Unlock()
	return nil
}

func (p *Poller) applyDeletePolicy(deleted []string, counts *PollCounts) {
	for _, relPath := range deleted {
		local := filepath.Join(p.cfg.LocalDir, filepath.FromSlash(relPath))
		switch p.cfg.DeletePolicy {
		case domain.DeleteKeep:
			// leave the file in place
		case domain.DeleteTrash:
			if p.cfg.TrashDir != "" {
				trashTarget := filepath.Join(p.cfg.TrashDir, filepath.FromSlash(relPath))
				if err := os.MkdirAll(filepath.Dir(trashTarget), 0o755); err == nil {
					if err := os.Rename(local, trashTarget); err != nil && !errors.Is(err, os.ErrNotExist) {
						p.logger.Warn("failed to move deleted file to trash", "path", relPath, "error", err)
						counts.Errors++
					}
				}
			}
		case domain.DeleteRemove:
			if err := os.Remove(local); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("failed to remove deleted file", "path", relPath, "error", err)
				counts.Errors++
			}
		}

		p.stateMu.Lock()
		delete(p.state.Entries, relPath)
		p.stateMu.Unlock()

		p.emit(Event{Type: EventFileDeleted, RelativePath: relPath})
	}
}

func (p *Poller) persistState() error {
	p.stateMu.Lock()
	p.state.LastPollAt = time.Now()
	data, err := json.MarshalIndent(p.state, "", "  ")
	p.stateMu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.cfg.StateFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sync-state-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, p.cfg.StateFilePath)
}
