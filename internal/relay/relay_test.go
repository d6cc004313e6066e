package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/envelope"
	"github.com/hq-labs/relay/internal/question"
	"github.com/hq-labs/relay/internal/registry"
	"github.com/hq-labs/relay/internal/session"
	"github.com/hq-labs/relay/internal/spawner"
	"github.com/hq-labs/relay/internal/store"
)

// fakeRepo is a minimal in-memory store.Repository exercising just what
// the relay's dispatch logic touches.
type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	workers   map[string]*domain.Worker
	tokens    map[string]*domain.AccessToken
	messages  map[string][]*domain.SessionMessage
	questions map[string]*domain.PendingQuestion
	workerSt  map[string]domain.WorkerStatus
	seq       map[string]int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  make(map[string]*domain.Session),
		workers:   make(map[string]*domain.Worker),
		tokens:    make(map[string]*domain.AccessToken),
		messages:  make(map[string][]*domain.SessionMessage),
		questions: make(map[string]*domain.PendingQuestion),
		workerSt:  make(map[string]domain.WorkerStatus),
		seq:       make(map[string]int64),
	}
}

func (f *fakeRepo) CreateSession(ctx context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.SessionID] = &cp
	return nil
}
func (f *fakeRepo) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}
func (f *fakeRepo) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateSession(ctx context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.SessionID] = &cp
	return nil
}
func (f *fakeRepo) GetExpiredStartingSessions(ctx context.Context, olderThan time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) GetIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) DeleteTerminalSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) AppendMessage(ctx context.Context, m *domain.SessionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.messages[m.SessionID] = append(f.messages[m.SessionID], &cp)
	return nil
}
func (f *fakeRepo) GetMessages(ctx context.Context, sessionID string, afterSeq int64) ([]*domain.SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[sessionID], nil
}
func (f *fakeRepo) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[sessionID]++
	return f.seq[sessionID], nil
}

func (f *fakeRepo) CreateQuestion(ctx context.Context, q *domain.PendingQuestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *q
	f.questions[q.QuestionID] = &cp
	return nil
}
func (f *fakeRepo) GetQuestion(ctx context.Context, questionID string) (*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[questionID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}
func (f *fakeRepo) GetPendingQuestionForWorker(ctx context.Context, workerID string) (*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.questions {
		if q.WorkerID == workerID && q.Status == domain.QuestionPending {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *fakeRepo) AnswerQuestion(ctx context.Context, questionID, answer string, answeredAt time.Time) (*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[questionID]
	if !ok || q.Status != domain.QuestionPending {
		return nil, nil
	}
	q.Status = domain.QuestionAnswered
	q.Answer = answer
	q.AnsweredAt = &answeredAt
	cp := *q
	return &cp, nil
}
func (f *fakeRepo) ListQuestions(ctx context.Context, workerID string, status domain.QuestionStatus) ([]*domain.PendingQuestion, error) {
	return nil, nil
}

func (f *fakeRepo) UpsertWorker(ctx context.Context, w *domain.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workers[w.ID] = &cp
	return nil
}
func (f *fakeRepo) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
func (f *fakeRepo) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakeRepo) UpdateWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerSt[workerID] = status
	return nil
}

func (f *fakeRepo) CreateAPIKey(ctx context.Context, k *domain.ApiKey) error { return nil }
func (f *fakeRepo) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.ApiKey, error) {
	return nil, nil
}

func (f *fakeRepo) CreateAccessToken(ctx context.Context, t *domain.AccessToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tokens[t.Token] = &cp
	return nil
}
func (f *fakeRepo) ConsumeAccessToken(ctx context.Context, token, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok || t.SessionID != sessionID || t.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	t.ConsumedAt = &now
	return true, nil
}

func (f *fakeRepo) CreateShare(ctx context.Context, s *domain.Share) error { return nil }
func (f *fakeRepo) GetShare(ctx context.Context, shareID string) (*domain.Share, error) {
	return nil, nil
}
func (f *fakeRepo) ListShares(ctx context.Context, ownerID, recipientID string, status domain.ShareStatus) ([]*domain.Share, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateShare(ctx context.Context, s *domain.Share) error { return nil }
func (f *fakeRepo) DeleteShare(ctx context.Context, shareID string) error { return nil }
func (f *fakeRepo) Ping(ctx context.Context) error                       { return nil }
func (f *fakeRepo) Close() error                                         { return nil }

var _ store.Repository = (*fakeRepo)(nil)

type stubSpawner struct{}

func (stubSpawner) Spawn(ctx context.Context, p spawner.Params) (string, error) { return "task-1", nil }
func (stubSpawner) Stop(ctx context.Context, trackingID string) error          { return nil }
func (stubSpawner) Describe(ctx context.Context, trackingID string) (spawner.Description, error) {
	return spawner.Description{TrackingID: trackingID}, nil
}

// fakeSocket captures every frame written to it, satisfying
// registry.Socket without opening a real network connection.
type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
}

func (s *fakeSocket) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.written = append(s.written, cp)
	return nil
}
func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error { return nil }
func (s *fakeSocket) Ping(ctx context.Context) error                      { return nil }

func (s *fakeSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, repo *fakeRepo) (*Relay, *session.Manager, *question.Blocker, *registry.Registry) {
	t.Helper()
	logger := discardLogger()
	sessMgr := session.New(repo, stubSpawner{}, "https://api.example.test", logger)
	blocker := question.New(repo, time.Minute, nil)
	reg := registry.New(0, time.Minute, logger)
	rl := New(reg, sessMgr, blocker, repo, logger, time.Minute, "*", true)
	return rl, sessMgr, blocker, reg
}

func TestRelay_HandleWorkerMessagePersistsAndBroadcasts(t *testing.T) {
	repo := newFakeRepo()
	rl, sessMgr, _, reg := newTestRelay(t, repo)
	ctx := context.Background()

	sess, err := sessMgr.Create(ctx, session.CreateInput{
		UserID:        "user-1",
		InitialPrompt: "fix the bug",
		CPU:           500,
		MemoryMB:      1024,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	browserSock := &fakeSocket{}
	conn := reg.Register("device-1", domain.ConnBrowser, browserSock)
	conn.Subscribe(sess.SessionID)

	raw := json.RawMessage(`{"type":"assistant","content":"hello there"}`)
	rl.handleWorkerMessage(ctx, sess.SessionID, envelope.WorkerAssistant, raw)

	msgs, _ := repo.GetMessages(ctx, sess.SessionID, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
	if msgs[0].Content != "hello there" || msgs[0].Kind != domain.MessageAssistant {
		t.Errorf("unexpected persisted message: %+v", msgs[0])
	}

	time.Sleep(10 * time.Millisecond) // let the connection's async send loop drain
	frames := browserSock.frames()
	if len(frames) == 0 {
		t.Fatal("expected the subscribed browser to receive a broadcast frame")
	}
	var env envelope.Envelope
	if err := json.Unmarshal(frames[len(frames)-1], &env); err != nil {
		t.Fatalf("broadcast frame did not decode: %v", err)
	}
	if env.Type != envelope.TypeSessionMessage {
		t.Errorf("expected session_message envelope, got %v", env.Type)
	}
}

func TestRelay_HandleWorkerQuestionRegistersBlockerWait(t *testing.T) {
	repo := newFakeRepo()
	rl, sessMgr, blocker, _ := newTestRelay(t, repo)
	ctx := context.Background()

	sess, err := sessMgr.Create(ctx, session.CreateInput{
		UserID:        "user-1",
		InitialPrompt: "fix the bug",
		CPU:           500,
		MemoryMB:      1024,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	raw := json.RawMessage(`{"type":"question","text":"Which branch?","options":[{"id":"main","text":"main"}]}`)
	rl.handleWorkerQuestion(ctx, sess.SessionID, "worker-1", raw)

	pending, err := blocker.PendingForWorker(ctx, "worker-1")
	if err != nil {
		t.Fatalf("PendingForWorker failed: %v", err)
	}
	if pending == nil || pending.Text != "Which branch?" {
		t.Fatalf("expected a pending question to be registered, got %+v", pending)
	}
}

func TestRelay_HandleSessionUserMessageAnswersPendingQuestion(t *testing.T) {
	repo := newFakeRepo()
	rl, sessMgr, blocker, reg := newTestRelay(t, repo)
	ctx := context.Background()

	sess, err := sessMgr.Create(ctx, session.CreateInput{
		UserID:        "user-1",
		InitialPrompt: "fix the bug",
		CPU:           500,
		MemoryMB:      1024,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	workers, _ := repo.ListWorkers(ctx)
	if len(workers) != 1 {
		t.Fatalf("expected exactly one worker record, got %d", len(workers))
	}
	workerID := workers[0].ID
	rl.setWorkerForSession(sess.SessionID, workerID)

	q, err := blocker.Ask(ctx, workerID, "Which branch?", nil)
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	workerSock := &fakeSocket{}
	reg.Register(workerKey(sess.SessionID), domain.ConnWorker, workerSock)

	payload, _ := json.Marshal(envelope.SessionUserMessagePayload{SessionID: sess.SessionID, Content: "main"})
	rl.handleSessionUserMessage(ctx, payload)

	answered, err := repo.GetQuestion(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("GetQuestion failed: %v", err)
	}
	if answered.Status != domain.QuestionAnswered || answered.Answer != "main" {
		t.Errorf("expected the pending question to be answered with 'main', got %+v", answered)
	}

	// Since the message answered a pending question, it must not also be
	// forwarded to the worker socket as a user frame.
	time.Sleep(10 * time.Millisecond)
	if len(workerSock.frames()) != 0 {
		t.Errorf("expected no frames forwarded to the worker, got %d", len(workerSock.frames()))
	}
}

func TestRelay_HandleSessionUserMessageForwardsWhenNoPendingQuestion(t *testing.T) {
	repo := newFakeRepo()
	rl, sessMgr, _, reg := newTestRelay(t, repo)
	ctx := context.Background()

	sess, err := sessMgr.Create(ctx, session.CreateInput{
		UserID:        "user-1",
		InitialPrompt: "fix the bug",
		CPU:           500,
		MemoryMB:      1024,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	workerSock := &fakeSocket{}
	reg.Register(workerKey(sess.SessionID), domain.ConnWorker, workerSock)

	payload, _ := json.Marshal(envelope.SessionUserMessagePayload{SessionID: sess.SessionID, Content: "please continue"})
	rl.handleSessionUserMessage(ctx, payload)

	time.Sleep(10 * time.Millisecond)
	frames := workerSock.frames()
	if len(frames) != 1 {
		t.Fatalf("expected the message to be forwarded to the worker, got %d frames", len(frames))
	}
	var f envelope.WorkerUserFrame
	if err := json.Unmarshal(frames[0], &f); err != nil {
		t.Fatalf("forwarded frame did not decode: %v", err)
	}
	if f.Type != envelope.WorkerUser || f.Content != "please continue" {
		t.Errorf("unexpected forwarded frame: %+v", f)
	}
}
