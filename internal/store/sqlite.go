package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a WAL-mode SQLite database at
// dbPath and ensures its schema exists.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		startup_phase TEXT NOT NULL,
		initial_prompt TEXT NOT NULL,
		worker_context_json TEXT,
		capabilities_json TEXT,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		stopped_at INTEGER,
		error TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		tracking_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);

	CREATE TABLE IF NOT EXISTS session_messages (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata_json TEXT,
		PRIMARY KEY (session_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS pending_questions (
		question_id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		text TEXT NOT NULL,
		options_json TEXT,
		asked_at INTEGER NOT NULL,
		answered_at INTEGER,
		answer TEXT,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_questions_worker ON pending_questions(worker_id, status);

	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT,
		tracking_id TEXT,
		skill TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		prefix TEXT PRIMARY KEY,
		hash_value TEXT NOT NULL,
		name TEXT NOT NULL,
		rate_limit INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_tokens (
		token TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		consumed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS shares (
		share_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		paths_json TEXT NOT NULL,
		permissions_json TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares(owner_id);
	CREATE INDEX IF NOT EXISTS idx_shares_recipient ON shares(recipient_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSONString(s sql.NullString, out interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	return s.UpdateSession(ctx, sess)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	workerCtxJSON, err := marshalJSON(sess.WorkerContext)
	if err != nil {
		return fmt.Errorf("marshal worker context: %w", err)
	}
	capsJSON, err := marshalJSON(sess.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	var stoppedAt interface{}
	if sess.StoppedAt != nil {
		stoppedAt = sess.StoppedAt.Unix()
	}

	query := `
	INSERT INTO sessions (
		session_id, user_id, status, startup_phase, initial_prompt,
		worker_context_json, capabilities_json, created_at, last_activity_at,
		stopped_at, error, message_count, tracking_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		startup_phase = excluded.startup_phase,
		capabilities_json = excluded.capabilities_json,
		last_activity_at = excluded.last_activity_at,
		stopped_at = excluded.stopped_at,
		error = excluded.error,
		message_count = excluded.message_count,
		tracking_id = excluded.tracking_id`

	return shared.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.SessionID, sess.UserID, string(sess.Status), string(sess.StartupPhase), sess.InitialPrompt,
			workerCtxJSON, capsJSON, sess.CreatedAt.Unix(), sess.LastActivityAt.Unix(),
			stoppedAt, sess.Error, sess.MessageCount, sess.TrackingID,
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var status, phase string
	var workerCtxJSON, capsJSON sql.NullString
	var createdAt, lastActivityAt int64
	var stoppedAt sql.NullInt64
	var errStr sql.NullString
	var trackingID sql.NullString

	err := row.Scan(
		&sess.SessionID, &sess.UserID, &status, &phase, &sess.InitialPrompt,
		&workerCtxJSON, &capsJSON, &createdAt, &lastActivityAt,
		&stoppedAt, &errStr, &sess.MessageCount, &trackingID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.StartupPhase = domain.StartupPhase(phase)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivityAt, 0)
	if stoppedAt.Valid {
		t := time.Unix(stoppedAt.Int64, 0)
		sess.StoppedAt = &t
	}
	sess.Error = errStr.String
	sess.TrackingID = trackingID.String

	_ = unmarshalJSONString(workerCtxJSON, &sess.WorkerContext)
	_ = unmarshalJSONString(capsJSON, &sess.Capabilities)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, status, startup_phase, initial_prompt,
		       worker_context_json, capabilities_json, created_at, last_activity_at,
		       stopped_at, error, message_count, tracking_id
		FROM sessions WHERE session_id = ?`
	return s.scanSession(s.db.QueryRowContext(ctx, query, sessionID))
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, user_id, status, startup_phase, initial_prompt,
		       worker_context_json, capabilities_json, created_at, last_activity_at,
		       stopped_at, error, message_count, tracking_id
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var status, phase string
		var workerCtxJSON, capsJSON sql.NullString
		var createdAt, lastActivityAt int64
		var stoppedAt sql.NullInt64
		var errStr, trackingID sql.NullString

		if err := rows.Scan(
			&sess.SessionID, &sess.UserID, &status, &phase, &sess.InitialPrompt,
			&workerCtxJSON, &capsJSON, &createdAt, &lastActivityAt,
			&stoppedAt, &errStr, &sess.MessageCount, &trackingID,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = domain.SessionStatus(status)
		sess.StartupPhase = domain.StartupPhase(phase)
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.LastActivityAt = time.Unix(lastActivityAt, 0)
		if stoppedAt.Valid {
			t := time.Unix(stoppedAt.Int64, 0)
			sess.StoppedAt = &t
		}
		sess.Error = errStr.String
		sess.TrackingID = trackingID.String
		_ = unmarshalJSONString(workerCtxJSON, &sess.WorkerContext)
		_ = unmarshalJSONString(capsJSON, &sess.Capabilities)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetExpiredStartingSessions(ctx context.Context, olderThan time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-olderThan).Unix()
	query := `
		SELECT session_id, user_id, status, startup_phase, initial_prompt,
		       worker_context_json, capabilities_json, created_at, last_activity_at,
		       stopped_at, error, message_count, tracking_id
		FROM sessions WHERE status = ? AND created_at < ?`
	return s.queryManySessions(ctx, query, string(domain.SessionStarting), threshold)
}

func (s *SQLiteStore) GetIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-idleFor).Unix()
	query := `
		SELECT session_id, user_id, status, startup_phase, initial_prompt,
		       worker_context_json, capabilities_json, created_at, last_activity_at,
		       stopped_at, error, message_count, tracking_id
		FROM sessions WHERE status = ? AND last_activity_at < ?`
	return s.queryManySessions(ctx, query, string(domain.SessionActive), threshold)
}

func (s *SQLiteStore) queryManySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var status, phase string
		var workerCtxJSON, capsJSON sql.NullString
		var createdAt, lastActivityAt int64
		var stoppedAt sql.NullInt64
		var errStr, trackingID sql.NullString

		if err := rows.Scan(
			&sess.SessionID, &sess.UserID, &status, &phase, &sess.InitialPrompt,
			&workerCtxJSON, &capsJSON, &createdAt, &lastActivityAt,
			&stoppedAt, &errStr, &sess.MessageCount, &trackingID,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Status = domain.SessionStatus(status)
		sess.StartupPhase = domain.StartupPhase(phase)
		sess.CreatedAt = time.Unix(createdAt, 0)
		sess.LastActivityAt = time.Unix(lastActivityAt, 0)
		if stoppedAt.Valid {
			t := time.Unix(stoppedAt.Int64, 0)
			sess.StoppedAt = &t
		}
		sess.Error = errStr.String
		sess.TrackingID = trackingID.String
		_ = unmarshalJSONString(workerCtxJSON, &sess.WorkerContext)
		_ = unmarshalJSONString(capsJSON, &sess.Capabilities)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTerminalSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()
	query := `DELETE FROM sessions WHERE stopped_at IS NOT NULL AND stopped_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete terminal sessions: %w", err)
	}
	return result.RowsAffected()
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.SessionMessage) error {
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	query := `
		INSERT INTO session_messages (session_id, sequence, timestamp, kind, content, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)`
	return shared.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, query, m.SessionID, m.Sequence, m.Timestamp.UnixMilli(), string(m.Kind), m.Content, metaJSON)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, afterSeq int64) ([]*domain.SessionMessage, error) {
	query := `
		SELECT session_id, sequence, timestamp, kind, content, metadata_json
		FROM session_messages WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.SessionMessage
	for rows.Next() {
		var m domain.SessionMessage
		var kind string
		var ts int64
		var metaJSON sql.NullString
		if err := rows.Scan(&m.SessionID, &m.Sequence, &ts, &kind, &m.Content, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Kind = domain.MessageKind(kind)
		m.Timestamp = time.UnixMilli(ts)
		_ = unmarshalJSONString(metaJSON, &m.Metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	query := `SELECT MAX(sequence) FROM session_messages WHERE session_id = ?`
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

// --- Pending questions ---

func (s *SQLiteStore) CreateQuestion(ctx context.Context, q *domain.PendingQuestion) error {
	optsJSON, err := marshalJSON(q.Options)
	if err != nil {
		return fmt.Errorf("marshal question options: %w", err)
	}
	query := `
		INSERT INTO pending_questions (question_id, worker_id, text, options_json, asked_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, q.QuestionID, q.WorkerID, q.Text, optsJSON, q.AskedAt.Unix(), string(q.Status))
	if err != nil {
		return fmt.Errorf("create question: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanQuestionRow(row *sql.Row) (*domain.PendingQuestion, error) {
	var q domain.PendingQuestion
	var optsJSON sql.NullString
	var askedAt int64
	var answeredAt sql.NullInt64
	var answer sql.NullString
	var status string

	err := row.Scan(&q.QuestionID, &q.WorkerID, &q.Text, &optsJSON, &askedAt, &answeredAt, &answer, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan question: %w", err)
	}
	q.AskedAt = time.Unix(askedAt, 0)
	if answeredAt.Valid {
		t := time.Unix(answeredAt.Int64, 0)
		q.AnsweredAt = &t
	}
	q.Answer = answer.String
	q.Status = domain.QuestionStatus(status)
	_ = unmarshalJSONString(optsJSON, &q.Options)
	return &q, nil
}

func (s *SQLiteStore) GetQuestion(ctx context.Context, questionID string) (*domain.PendingQuestion, error) {
	query := `
		SELECT question_id, worker_id, text, options_json, asked_at, answered_at, answer, status
		FROM pending_questions WHERE question_id = ?`
	return s.scanQuestionRow(s.db.QueryRowContext(ctx, query, questionID))
}

func (s *SQLiteStore) GetPendingQuestionForWorker(ctx context.Context, workerID string) (*domain.PendingQuestion, error) {
	query := `
		SELECT question_id, worker_id, text, options_json, asked_at, answered_at, answer, status
		FROM pending_questions WHERE worker_id = ? AND status = ? ORDER BY asked_at DESC LIMIT 1`
	return s.scanQuestionRow(s.db.QueryRowContext(ctx, query, workerID, string(domain.QuestionPending)))
}

func (s *SQLiteStore) AnswerQuestion(ctx context.Context, questionID, answer string, answeredAt time.Time) (*domain.PendingQuestion, error) {
	query := `
		UPDATE pending_questions SET answer = ?, answered_at = ?, status = ?
		WHERE question_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query, answer, answeredAt.Unix(), string(domain.QuestionAnswered),
		questionID, string(domain.QuestionPending))
	if err != nil {
		return nil, fmt.Errorf("answer question: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("answer question rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil
	}
	return s.GetQuestion(ctx, questionID)
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, workerID string, status domain.QuestionStatus) ([]*domain.PendingQuestion, error) {
	query := `
		SELECT question_id, worker_id, text, options_json, asked_at, answered_at, answer, status
		FROM pending_questions WHERE worker_id = ?`
	args := []interface{}{workerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY asked_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PendingQuestion
	for rows.Next() {
		var q domain.PendingQuestion
		var optsJSON sql.NullString
		var askedAt int64
		var answeredAt sql.NullInt64
		var answer sql.NullString
		var st string
		if err := rows.Scan(&q.QuestionID, &q.WorkerID, &q.Text, &optsJSON, &askedAt, &answeredAt, &answer, &st); err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		q.AskedAt = time.Unix(askedAt, 0)
		if answeredAt.Valid {
			t := time.Unix(answeredAt.Int64, 0)
			q.AnsweredAt = &t
		}
		q.Answer = answer.String
		q.Status = domain.QuestionStatus(st)
		_ = unmarshalJSONString(optsJSON, &q.Options)
		out = append(out, &q)
	}
	return out, rows.Err()
}

// --- Workers ---

func (s *SQLiteStore) UpsertWorker(ctx context.Context, w *domain.Worker) error {
	query := `
		INSERT INTO workers (worker_id, name, status, session_id, tracking_id, skill, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			session_id = excluded.session_id,
			tracking_id = excluded.tracking_id,
			skill = excluded.skill,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query, w.ID, w.Name, string(w.Status), w.SessionID, w.TrackingID, w.Skill,
		w.CreatedAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	query := `
		SELECT worker_id, name, status, session_id, tracking_id, skill, created_at, updated_at
		FROM workers WHERE worker_id = ?`
	row := s.db.QueryRowContext(ctx, query, workerID)

	var w domain.Worker
	var status string
	var sessionID, trackingID, skill sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&w.ID, &w.Name, &status, &sessionID, &trackingID, &skill, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.Status = domain.WorkerStatus(status)
	w.SessionID = sessionID.String
	w.TrackingID = trackingID.String
	w.Skill = skill.String
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)
	return &w, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	query := `
		SELECT worker_id, name, status, session_id, tracking_id, skill, created_at, updated_at
		FROM workers ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Worker
	for rows.Next() {
		var w domain.Worker
		var status string
		var sessionID, trackingID, skill sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&w.ID, &w.Name, &status, &sessionID, &trackingID, &skill, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		w.Status = domain.WorkerStatus(status)
		w.SessionID = sessionID.String
		w.TrackingID = trackingID.String
		w.Skill = skill.String
		w.CreatedAt = time.Unix(createdAt, 0)
		w.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	query := `UPDATE workers SET status = ?, updated_at = ? WHERE worker_id = ?`
	_, err := s.db.ExecContext(ctx, query, string(status), time.Now().Unix(), workerID)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

// --- API keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *domain.ApiKey) error {
	query := `
		INSERT INTO api_keys (prefix, hash_value, name, rate_limit, created_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, k.Prefix, k.HashValue, k.Name, k.RateLimit, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.ApiKey, error) {
	query := `SELECT prefix, hash_value, name, rate_limit, created_at FROM api_keys WHERE prefix = ?`
	row := s.db.QueryRowContext(ctx, query, prefix)

	var k domain.ApiKey
	var createdAt int64
	err := row.Scan(&k.Prefix, &k.HashValue, &k.Name, &k.RateLimit, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k.CreatedAt = time.Unix(createdAt, 0)
	return &k, nil
}

// --- Access tokens ---

func (s *SQLiteStore) CreateAccessToken(ctx context.Context, t *domain.AccessToken) error {
	query := `INSERT INTO access_tokens (token, session_id, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, t.Token, t.SessionID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

// ConsumeAccessToken atomically marks a token used, iff it exists, matches
// sessionID, and has not already been consumed. Returns ok=false on any
// mismatch rather than an error, since all three are "reject" conditions
// at the relay's connect step.
func (s *SQLiteStore) ConsumeAccessToken(ctx context.Context, token, sessionID string) (bool, error) {
	query := `
		UPDATE access_tokens SET consumed_at = ?
		WHERE token = ? AND session_id = ? AND consumed_at IS NULL`
	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), token, sessionID)
	if err != nil {
		return false, fmt.Errorf("consume access token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume access token rows affected: %w", err)
	}
	return rows > 0, nil
}

// --- Shares ---

func (s *SQLiteStore) CreateShare(ctx context.Context, sh *domain.Share) error {
	pathsJSON, err := marshalJSON(sh.Paths)
	if err != nil {
		return fmt.Errorf("marshal share paths: %w", err)
	}
	permsJSON, err := marshalJSON(sh.Permissions)
	if err != nil {
		return fmt.Errorf("marshal share permissions: %w", err)
	}
	var expiresAt interface{}
	if sh.ExpiresAt != nil {
		expiresAt = sh.ExpiresAt.Unix()
	}
	query := `
		INSERT INTO shares (share_id, owner_id, recipient_id, paths_json, permissions_json, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, sh.ShareID, sh.OwnerID, sh.RecipientID, pathsJSON, permsJSON,
		string(sh.Status), sh.CreatedAt.Unix(), expiresAt)
	if err != nil {
		return fmt.Errorf("create share: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanShareRow(row *sql.Row) (*domain.Share, error) {
	var sh domain.Share
	var pathsJSON, permsJSON sql.NullString
	var status string
	var createdAt int64
	var expiresAt sql.NullInt64

	err := row.Scan(&sh.ShareID, &sh.OwnerID, &sh.RecipientID, &pathsJSON, &permsJSON, &status, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan share: %w", err)
	}
	sh.Status = domain.ShareStatus(status)
	sh.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		sh.ExpiresAt = &t
	}
	_ = unmarshalJSONString(pathsJSON, &sh.Paths)
	_ = unmarshalJSONString(permsJSON, &sh.Permissions)
	return &sh, nil
}

func (s *SQLiteStore) GetShare(ctx context.Context, shareID string) (*domain.Share, error) {
	query := `
		SELECT share_id, owner_id, recipient_id, paths_json, permissions_json, status, created_at, expires_at
		FROM shares WHERE share_id = ?`
	return s.scanShareRow(s.db.QueryRowContext(ctx, query, shareID))
}

func (s *SQLiteStore) ListShares(ctx context.Context, ownerID, recipientID string, status domain.ShareStatus) ([]*domain.Share, error) {
	query := `
		SELECT share_id, owner_id, recipient_id, paths_json, permissions_json, status, created_at, expires_at
		FROM shares WHERE 1=1`
	var args []interface{}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	if recipientID != "" {
		query += ` AND recipient_id = ?`
		args = append(args, recipientID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var out []*domain.Share
	for rows.Next() {
		var sh domain.Share
		var pathsJSON, permsJSON sql.NullString
		var st string
		var createdAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&sh.ShareID, &sh.OwnerID, &sh.RecipientID, &pathsJSON, &permsJSON, &st, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan share row: %w", err)
		}
		sh.Status = domain.ShareStatus(st)
		sh.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			t := time.Unix(expiresAt.Int64, 0)
			sh.ExpiresAt = &t
		}
		_ = unmarshalJSONString(pathsJSON, &sh.Paths)
		_ = unmarshalJSONString(permsJSON, &sh.Permissions)
		out = append(out, &sh)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateShare(ctx context.Context, sh *domain.Share) error {
	pathsJSON, err := marshalJSON(sh.Paths)
	if err != nil {
		return fmt.Errorf("marshal share paths: %w", err)
	}
	permsJSON, err := marshalJSON(sh.Permissions)
	if err != nil {
		return fmt.Errorf("marshal share permissions: %w", err)
	}
	var expiresAt interface{}
	if sh.ExpiresAt != nil {
		expiresAt = sh.ExpiresAt.Unix()
	}
	query := `UPDATE shares SET paths_json = ?, permissions_json = ?, status = ?, expires_at = ? WHERE share_id = ?`
	_, err = s.db.ExecContext(ctx, query, pathsJSON, permsJSON, string(sh.Status), expiresAt, sh.ShareID)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteShare(ctx context.Context, shareID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE share_id = ?`, shareID)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}
