package sync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hq-labs/relay/internal/domain"
)

// fakeLister is an in-memory Lister backed by a fixed set of objects,
// letting the poller's download/reconciliation logic be exercised
// against a real filesystem without a network-backed S3 bucket.
type fakeLister struct {
	mu      sync.Mutex
	objects map[string]ObjectInfo
	bodies  map[string]string
	listErr error
}

func newFakeLister() *fakeLister {
	return &fakeLister{objects: make(map[string]ObjectInfo), bodies: make(map[string]string)}
}

func (f *fakeLister) put(relPath, body, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[relPath] = ObjectInfo{RelativePath: relPath, ETag: etag, Size: int64(len(body)), LastModified: time.Now()}
	f.bodies[relPath] = body
}

func (f *fakeLister) remove(relPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, relPath)
	delete(f.bodies, relPath)
}

func (f *fakeLister) List(ctx context.Context, prefix string, maxPages int) ([]ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]ObjectInfo, 0, len(f.objects))
	for _, obj := range f.objects {
		out = append(out, obj)
	}
	return out, nil
}

func (f *fakeLister) Download(ctx context.Context, prefix, relativePath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[relativePath]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoller_DownloadsNewFileAndPersistsState(t *testing.T) {
	dir := t.TempDir()
	lister := newFakeLister()
	lister.put("notes.txt", "hello world", "etag-1")

	var events []Event
	var evMu sync.Mutex
	cfg := Config{
		RemotePrefix:  "users/u1/",
		LocalDir:      dir,
		StateFilePath: filepath.Join(dir, ".hq-sync-state.json"),
		UserID:        "u1",
	}
	p, err := New(cfg, lister, func(e Event) {
		evMu.Lock()
		events = append(events, e)
		evMu.Unlock()
	}, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil {
		t.Fatalf("expected notes.txt to be downloaded: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("unexpected file content: %q", data)
	}

	stateRaw, err := os.ReadFile(cfg.StateFilePath)
	if err != nil {
		t.Fatalf("expected state file to be written: %v", err)
	}
	var state domain.SyncState
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if state.Entries["notes.txt"] == nil || state.Entries["notes.txt"].ETag != "etag-1" {
		t.Errorf("expected notes.txt entry with etag-1, got %+v", state.Entries["notes.txt"])
	}

	evMu.Lock()
	defer evMu.Unlock()
	var sawDownloaded, sawComplete bool
	for _, e := range events {
		if e.Type == EventFileDownloaded && e.RelativePath == "notes.txt" {
			sawDownloaded = true
		}
		if e.Type == EventPollComplete {
			sawComplete = true
			if e.Counts == nil || e.Counts.Downloaded != 1 {
				t.Errorf("expected pollComplete counts.downloaded=1, got %+v", e.Counts)
			}
		}
	}
	if !sawDownloaded || !sawComplete {
		t.Errorf("expected fileDownloaded and pollComplete events, got %+v", events)
	}
}

func TestPoller_SecondPollSkipsUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	lister := newFakeLister()
	lister.put("a.txt", "content", "etag-a")

	p, err := New(Config{
		RemotePrefix:  "users/u1/",
		LocalDir:      dir,
		StateFilePath: filepath.Join(dir, "state.json"),
	}, lister, nil, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll failed: %v", err)
	}

	var events []Event
	p2cfg := Config{RemotePrefix: "users/u1/", LocalDir: dir, StateFilePath: filepath.Join(dir, "state.json")}
	p2, err := New(p2cfg, lister, func(e Event) { events = append(events, e) }, discardLogger())
	if err != nil {
		t.Fatalf("New (reload) failed: %v", err)
	}
	if err := p2.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll failed: %v", err)
	}
	for _, e := range events {
		if e.Type == EventFileDownloaded {
			t.Errorf("expected no re-download of an unchanged file, got event %+v", e)
		}
	}
}

func TestPoller_DeletePolicyRemove(t *testing.T) {
	dir := t.TempDir()
	lister := newFakeLister()
	lister.put("gone.txt", "bye", "etag-gone")

	p, err := New(Config{
		RemotePrefix:  "users/u1/",
		LocalDir:      dir,
		StateFilePath: filepath.Join(dir, "state.json"),
		DeletePolicy:  domain.DeleteRemove,
	}, lister, nil, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); err != nil {
		t.Fatalf("expected gone.txt to exist after first poll: %v", err)
	}

	lister.remove("gone.txt")
	var sawDeleted bool
	p.onEvent = func(e Event) {
		if e.Type == EventFileDeleted && e.RelativePath == "gone.txt" {
			sawDeleted = true
		}
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll failed: %v", err)
	}
	if !sawDeleted {
		t.Error("expected a fileDeleted event for gone.txt")
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Errorf("expected gone.txt to be removed under DeleteRemove policy, stat err=%v", err)
	}
}

func TestPoller_ExcludePatternSkipsMatchedFile(t *testing.T) {
	dir := t.TempDir()
	lister := newFakeLister()
	lister.put("debug.log", "noisy", "etag-log")
	lister.put("keep.txt", "keep me", "etag-keep")

	p, err := New(Config{
		RemotePrefix:    "users/u1/",
		LocalDir:        dir,
		StateFilePath:   filepath.Join(dir, "state.json"),
		ExcludePatterns: []string{"*.log"},
	}, lister, nil, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "debug.log")); !os.IsNotExist(err) {
		t.Errorf("expected debug.log to be excluded from sync, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Errorf("expected keep.txt to be synced: %v", err)
	}
}

func TestPoller_PollSkippedWhileAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	lister := newFakeLister()
	p, err := New(Config{
		RemotePrefix:  "users/u1/",
		LocalDir:      dir,
		StateFilePath: filepath.Join(dir, "state.json"),
	}, lister, nil, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p.running = 1 // simulate a cycle already in flight
	var skipped bool
	p.onEvent = func(e Event) {
		if e.Type == EventPollSkipped {
			skipped = true
		}
	}
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !skipped {
		t.Error("expected pollSkipped when a cycle is already running")
	}
}
