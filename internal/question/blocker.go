// Package question implements the question/answer blocker. When a
// worker asks a question it suspends forward progress until a browser,
// an API caller, or a transport callback supplies an answer, or until
// the answer timeout elapses.
package question

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/store"
)

// ErrTimeout is the rejection reason for a blocker wait whose
// answerTimeoutMs elapsed without an answer.
var ErrTimeout = errors.New("answer timeout")

// OnAnswered is invoked in-process whenever a question transitions to
// answered, letting the relay resume the worker without polling.
type OnAnswered func(q *domain.PendingQuestion)

// pending tracks one in-flight blocker wait: a future (done channel)
// plus its cancellation.
type pending struct {
	question *domain.PendingQuestion
	done     chan struct{}
	cancel   context.CancelFunc
	err      error
	mu       sync.Mutex
}

// Blocker suspends worker forward progress on a question and resumes it
// once an answer arrives, whether from a browser session_user_message,
// an API answer request, or a transport callback.
type Blocker struct {
	repo           store.Repository
	answerTimeout  time.Duration
	onAnswered     OnAnswered

	mu          sync.Mutex
	byWorker    map[string]*pending // at most one entry per worker
	byQuestion  map[string]*pending
}

// New constructs a Blocker. answerTimeout bounds how long a question
// may stay pending before it is auto-rejected; the configured default
// (RELAY_QUESTION_ANSWER_TIMEOUT) is 5 minutes.
func New(repo store.Repository, answerTimeout time.Duration, onAnswered OnAnswered) *Blocker {
	return &Blocker{
		repo:          repo,
		answerTimeout: answerTimeout,
		onAnswered:    onAnswered,
		byWorker:      make(map[string]*pending),
		byQuestion:    make(map[string]*pending),
	}
}

// Ask registers a new pending question for workerID. Rejects if workerID
// already has a pending question: at most one question may be pending
// per worker.
func (b *Blocker) Ask(ctx context.Context, workerID, text string, options []domain.QuestionOption) (*domain.PendingQuestion, error) {
	if text == "" {
		return nil, apperr.Validation("question text is required")
	}
	if dup := domain.DuplicateOptionID(options); dup != "" {
		return nil, apperr.Validation("Duplicate option ID: " + dup)
	}

	b.mu.Lock()
	if _, exists := b.byWorker[workerID]; exists {
		b.mu.Unlock()
		return nil, apperr.Conflict("worker already has a pending question")
	}
	b.mu.Unlock()

	q := &domain.PendingQuestion{
		QuestionID: uuid.NewString(),
		WorkerID:   workerID,
		Text:       text,
		Options:    options,
		AskedAt:    time.Now(),
		Status:     domain.QuestionPending,
	}
	if err := b.repo.CreateQuestion(ctx, q); err != nil {
		return nil, apperr.Internal("persist pending question", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), b.answerTimeout)
	p := &pending{question: q, done: make(chan struct{}), cancel: cancel}

	b.mu.Lock()
	b.byWorker[workerID] = p
	b.byQuestion[q.QuestionID] = p
	b.mu.Unlock()

	go b.watchTimeout(waitCtx, p)

	if err := b.repo.UpdateWorkerStatus(ctx, workerID, domain.WorkerWaitingInput); err != nil {
		return nil, apperr.Internal("update worker status to waiting_input", err)
	}
	return q, nil
}

func (b *Blocker) watchTimeout(ctx context.Context, p *pending) {
	<-ctx.Done()
	if ctx.Err() != context.DeadlineExceeded {
		return
	}
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	p.err = ErrTimeout
	close(p.done)
	p.mu.Unlock()

	b.mu.Lock()
	if b.byWorker[p.question.WorkerID] == p {
		delete(b.byWorker, p.question.WorkerID)
	}
	b.mu.Unlock()
	// The question itself stays in pending state for later inspection;
	// only the in-memory wait is abandoned.
}

// Await blocks until questionID is answered, the blocker's wait is
// cancelled by session termination, or answerTimeoutMs elapses.
func (b *Blocker) Await(ctx context.Context, questionID string) (*domain.PendingQuestion, error) {
	b.mu.Lock()
	p, ok := b.byQuestion[questionID]
	b.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("question not found")
	}
	select {
	case <-p.done:
		p.mu.Lock()
		err := p.err
		answered := p.question
		p.mu.Unlock()
		if err != nil {
			return nil, apperr.Cancelled(err.Error())
		}
		return answered, nil
	case <-ctx.Done():
		return nil, apperr.Cancelled("wait cancelled: " + ctx.Err().Error())
	}
}

// Cancel aborts workerID's pending wait with reason, used when its
// session terminates while a question is outstanding.
func (b *Blocker) Cancel(workerID, reason string) {
	b.mu.Lock()
	p, ok := b.byWorker[workerID]
	if ok {
		delete(b.byWorker, workerID)
		delete(b.byQuestion, p.question.QuestionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		p.err = errors.New(reason)
		close(p.done)
	}
	p.mu.Unlock()
}

// Answer resolves questionID with answer, validating it against the
// question's declared options if any, updates the worker's status, and
// wakes any in-process Await waiter plus the onAnswered callback.
func (b *Blocker) Answer(ctx context.Context, questionID, answer string) (*domain.PendingQuestion, error) {
	if answer == "" {
		return nil, apperr.Validation("answer is required")
	}

	existing, err := b.repo.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, apperr.Internal("get question", err)
	}
	if existing == nil {
		return nil, apperr.NotFound("question not found")
	}
	if existing.Status == domain.QuestionAnswered {
		return nil, apperr.Conflict("question already answered")
	}
	if existing.HasOptions() && !existing.IsValidOption(answer) {
		return nil, apperr.Validation("answer must be one of the option IDs")
	}

	answeredAt := time.Now()
	q, err := b.repo.AnswerQuestion(ctx, questionID, answer, answeredAt)
	if err != nil {
		return nil, apperr.Internal("answer question", err)
	}
	if q == nil {
		// Another caller won the race between our read and the atomic
		// UPDATE ... WHERE status = pending.
		return nil, apperr.Conflict("question already answered")
	}

	if err := b.repo.UpdateWorkerStatus(ctx, q.WorkerID, domain.WorkerResuming); err != nil {
		return nil, apperr.Internal("update worker status to resuming", err)
	}

	b.mu.Lock()
	p, ok := b.byQuestion[questionID]
	if ok {
		delete(b.byQuestion, questionID)
		if b.byWorker[q.WorkerID] == p {
			delete(b.byWorker, q.WorkerID)
		}
	}
	b.mu.Unlock()

	if ok {
		p.mu.Lock()
		select {
		case <-p.done:
		default:
			p.question = q
			close(p.done)
		}
		p.mu.Unlock()
	}

	if b.onAnswered != nil {
		b.onAnswered(q)
	}
	return q, nil
}

// PendingForWorker returns workerID's currently pending question, if any.
func (b *Blocker) PendingForWorker(ctx context.Context, workerID string) (*domain.PendingQuestion, error) {
	q, err := b.repo.GetPendingQuestionForWorker(ctx, workerID)
	if err != nil {
		return nil, apperr.Internal("get pending question for worker", err)
	}
	return q, nil
}

// List returns a worker's questions filtered by status.
func (b *Blocker) List(ctx context.Context, workerID string, status domain.QuestionStatus) ([]*domain.PendingQuestion, error) {
	qs, err := b.repo.ListQuestions(ctx, workerID, status)
	if err != nil {
		return nil, apperr.Internal("list questions", err)
	}
	return qs, nil
}
