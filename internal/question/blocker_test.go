package question

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hq-labs/relay/internal/domain"
)

type fakeRepo struct {
	mu        sync.Mutex
	questions map[string]*domain.PendingQuestion
	workerSt  map[string]domain.WorkerStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		questions: make(map[string]*domain.PendingQuestion),
		workerSt:  make(map[string]domain.WorkerStatus),
	}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.PendingQuestion
	for _, q := range f.questions {
		if q.WorkerID == workerID && q.Status == status {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerSt[workerID] = status
	return nil
}

// The remaining Repository methods are unused by Blocker; stub them out.
func (f *fakeRepo) CreateSession(ctx context.Context, s *domain.Session) error { return nil }
func (f *fakeRepo) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateSession(ctx context.Context, s *domain.Session) error { return nil }
func (f *fakeRepo) GetExpiredStartingSessions(ctx context.Context, olderThan time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) GetIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) DeleteTerminalSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) AppendMessage(ctx context.Context, m *domain.SessionMessage) error { return nil }
func (f *fakeRepo) GetMessages(ctx context.Context, sessionID string, afterSeq int64) ([]*domain.SessionMessage, error) {
	return nil, nil
}
func (f *fakeRepo) NextSequence(ctx context.Context, sessionID string) (int64, error) { return 1, nil }
func (f *fakeRepo) UpsertWorker(ctx context.Context, w *domain.Worker) error          { return nil }
func (f *fakeRepo) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	return nil, nil
}
func (f *fakeRepo) ListWorkers(ctx context.Context) ([]*domain.Worker, error) { return nil, nil }
func (f *fakeRepo) CreateAPIKey(ctx context.Context, k *domain.ApiKey) error  { return nil }
func (f *fakeRepo) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.ApiKey, error) {
	return nil, nil
}
func (f *fakeRepo) CreateAccessToken(ctx context.Context, t *domain.AccessToken) error { return nil }
func (f *fakeRepo) ConsumeAccessToken(ctx context.Context, token, sessionID string) (bool, error) {
	return false, nil
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
func (f *fakeRepo) Ping(ctx context.Context) error                        { return nil }
func (f *fakeRepo) Close() error                                          { return nil }

func TestBlocker_QuestionRoundTrip(t *testing.T) {
	repo := newFakeRepo()
	var answered *domain.PendingQuestion
	b := New(repo, time.Minute, func(q *domain.PendingQuestion) {
		answered = q
		// Simulates the transport forwarding the answer to the worker and
		// then advancing it to running, as cmd/server/main.go's callback does.
		_ = repo.UpdateWorkerStatus(context.Background(), q.WorkerID, domain.WorkerRunning)
	})

	q, err := b.Ask(context.Background(), "test-worker", "What branch?", nil)
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if q.Status != domain.QuestionPending {
		t.Errorf("expected pending, got %v", q.Status)
	}
	if repo.workerSt["test-worker"] != domain.WorkerWaitingInput {
		t.Errorf("expected worker status waiting_input, got %v", repo.workerSt["test-worker"])
	}

	got, err := b.Answer(context.Background(), q.QuestionID, "main")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if got.Status != domain.QuestionAnswered || got.Answer != "main" {
		t.Errorf("expected answered/main, got %v/%v", got.Status, got.Answer)
	}
	if repo.workerSt["test-worker"] != domain.WorkerRunning {
		t.Errorf("expected worker status running, got %v", repo.workerSt["test-worker"])
	}
	if answered == nil || answered.QuestionID != q.QuestionID {
		t.Error("expected onAnswered callback to fire with the answered question")
	}
}

func TestBlocker_DuplicateOptionRejected(t *testing.T) {
	repo := newFakeRepo()
	b := New(repo, time.Minute, nil)

	_, err := b.Ask(context.Background(), "test-worker", "Pick", []domain.QuestionOption{
		{ID: "a", Text: "A"},
		{ID: "a", Text: "B"},
	})
	if err == nil {
		t.Fatal("expected duplicate option id to be rejected")
	}
}

func TestBlocker_AnswerOptionValidation(t *testing.T) {
	repo := newFakeRepo()
	b := New(repo, time.Minute, nil)

	q, err := b.Ask(context.Background(), "test-worker", "Pick", []domain.QuestionOption{
		{ID: "opt-a", Text: "A"},
		{ID: "opt-b", Text: "B"},
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	if _, err := b.Answer(context.Background(), q.QuestionID, "invalid-option"); err == nil {
		t.Error("expected invalid option to be rejected")
	}
	if _, err := b.Answer(context.Background(), q.QuestionID, "opt-a"); err != nil {
		t.Errorf("expected valid option to be accepted, got %v", err)
	}
}

func TestBlocker_AtMostOnePendingPerWorker(t *testing.T) {
	repo := newFakeRepo()
	b := New(repo, time.Minute, nil)

	if _, err := b.Ask(context.Background(), "test-worker", "first?", nil); err != nil {
		t.Fatalf("first Ask failed: %v", err)
	}
	if _, err := b.Ask(context.Background(), "test-worker", "second?", nil); err == nil {
		t.Error("expected second Ask on the same worker to be rejected while one is pending")
	}
}

func TestBlocker_AnswerAlreadyAnsweredRejected(t *testing.T) {
	repo := newFakeRepo()
	b := New(repo, time.Minute, nil)

	q, err := b.Ask(context.Background(), "test-worker", "first?", nil)
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if _, err := b.Answer(context.Background(), q.QuestionID, "yes"); err != nil {
		t.Fatalf("first Answer failed: %v", err)
	}
	if _, err := b.Answer(context.Background(), q.QuestionID, "no"); err == nil {
		t.Error("expected re-answering to be rejected")
	}
}

func TestBlocker_AwaitUnblocksOnAnswer(t *testing.T) {
	repo := newFakeRepo()
	b := New(repo, time.Minute, nil)

	q, err := b.Ask(context.Background(), "test-worker", "first?", nil)
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}

	resultCh := make(chan *domain.PendingQuestion, 1)
	go func() {
		got, err := b.Await(context.Background(), q.QuestionID)
		if err != nil {
			t.Errorf("Await failed: %v", err)
			return
		}
		resultCh <- got
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := b.Answer(context.Background(), q.QuestionID, "main"); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	select {
	case got := <-resultCh:
		if got.Answer != "main" {
			t.Errorf("expected answer main, got %v", got.Answer)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not unblock after Answer")
	}
}
