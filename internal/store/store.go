// Package store provides the persistence layer backing sessions,
// messages, pending questions, workers, API keys, access tokens, and
// shares, behind a single Repository interface over a
// modernc.org/sqlite-backed SQLiteStore.
package store

import (
	"context"
	"time"

	"github.com/hq-labs/relay/internal/domain"
)

// Repository is the single persistence interface consumed by the
// session state machine, the question blocker, and the auth gate.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	GetExpiredStartingSessions(ctx context.Context, olderThan time.Duration) ([]*domain.Session, error)
	GetIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*domain.Session, error)
	DeleteTerminalSessions(ctx context.Context, olderThan time.Duration) (int64, error)

	// Messages
	AppendMessage(ctx context.Context, m *domain.SessionMessage) error
	GetMessages(ctx context.Context, sessionID string, afterSeq int64) ([]*domain.SessionMessage, error)
	NextSequence(ctx context.Context, sessionID string) (int64, error)

	// Pending questions
	CreateQuestion(ctx context.Context, q *domain.PendingQuestion) error
	GetQuestion(ctx context.Context, questionID string) (*domain.PendingQuestion, error)
	GetPendingQuestionForWorker(ctx context.Context, workerID string) (*domain.PendingQuestion, error)
	AnswerQuestion(ctx context.Context, questionID, answer string, answeredAt time.Time) (*domain.PendingQuestion, error)
	ListQuestions(ctx context.Context, workerID string, status domain.QuestionStatus) ([]*domain.PendingQuestion, error)

	// Workers
	UpsertWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, workerID string) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	UpdateWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error

	// API keys
	CreateAPIKey(ctx context.Context, k *domain.ApiKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.ApiKey, error)

	// Access tokens
	CreateAccessToken(ctx context.Context, t *domain.AccessToken) error
	ConsumeAccessToken(ctx context.Context, token, sessionID string) (bool, error)

	// Shares
	CreateShare(ctx context.Context, s *domain.Share) error
	GetShare(ctx context.Context, shareID string) (*domain.Share, error)
	ListShares(ctx context.Context, ownerID, recipientID string, status domain.ShareStatus) ([]*domain.Share, error)
	UpdateShare(ctx context.Context, s *domain.Share) error
	DeleteShare(ctx context.Context, shareID string) error

	Ping(ctx context.Context) error
	Close() error
}
