package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hq-labs/relay/internal/auth"
	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/question"
	"github.com/hq-labs/relay/internal/session"
	"github.com/hq-labs/relay/internal/spawner"
)

// fakeRepo is an in-memory store.Repository for exercising the HTTP
// handlers without a real database.
type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	messages  map[string][]*domain.SessionMessage
	questions map[string]*domain.PendingQuestion
	workers   map[string]*domain.Worker
	apiKeys   map[string]*domain.ApiKey
	tokens    map[string]*domain.AccessToken
	shares    map[string]*domain.Share
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  make(map[string]*domain.Session),
		messages:  make(map[string][]*domain.SessionMessage),
		questions: make(map[string]*domain.PendingQuestion),
		workers:   make(map[string]*domain.Worker),
		apiKeys:   make(map[string]*domain.ApiKey),
		tokens:    make(map[string]*domain.AccessToken),
		shares:    make(map[string]*domain.Share),
	}
}

func (f *fakeRepo) CreateSession(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s
	return nil
}
func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}
func (f *fakeRepo) ListSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeRepo) UpdateSession(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s
	return nil
}
func (f *fakeRepo) GetExpiredStartingSessions(context.Context, time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) GetIdleActiveSessions(context.Context, time.Duration) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) DeleteTerminalSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeRepo) AppendMessage(_ context.Context, m *domain.SessionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.SessionID] = append(f.messages[m.SessionID], m)
	return nil
}
func (f *fakeRepo) GetMessages(_ context.Context, sessionID string, afterSeq int64) ([]*domain.SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SessionMessage
	for _, m := range f.messages[sessionID] {
		if m.Sequence > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeRepo) NextSequence(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.messages[sessionID]) + 1), nil
}

func (f *fakeRepo) CreateQuestion(_ context.Context, q *domain.PendingQuestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions[q.QuestionID] = q
	return nil
}
func (f *fakeRepo) GetQuestion(_ context.Context, questionID string) (*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.questions[questionID], nil
}
func (f *fakeRepo) GetPendingQuestionForWorker(_ context.Context, workerID string) (*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.questions {
		if q.WorkerID == workerID && q.Status == domain.QuestionPending {
			return q, nil
		}
	}
	return nil, nil
}
func (f *fakeRepo) AnswerQuestion(_ context.Context, questionID, answer string, answeredAt time.Time) (*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[questionID]
	if !ok || q.Status == domain.QuestionAnswered {
		return nil, nil
	}
	q.Status = domain.QuestionAnswered
	q.Answer = answer
	q.AnsweredAt = &answeredAt
	return q, nil
}
func (f *fakeRepo) ListQuestions(_ context.Context, workerID string, status domain.QuestionStatus) ([]*domain.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.PendingQuestion
	for _, q := range f.questions {
		if q.WorkerID != workerID {
			continue
		}
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

func (f *fakeRepo) UpsertWorker(_ context.Context, w *domain.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[w.ID] = w
	return nil
}
func (f *fakeRepo) GetWorker(_ context.Context, workerID string) (*domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[workerID], nil
}
func (f *fakeRepo) ListWorkers(_ context.Context) ([]*domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Worker
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out, nil
}
func (f *fakeRepo) UpdateWorkerStatus(_ context.Context, workerID string, status domain.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[workerID]; ok {
		w.Status = status
	}
	return nil
}

func (f *fakeRepo) CreateAPIKey(_ context.Context, k *domain.ApiKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys[k.Prefix] = k
	return nil
}
func (f *fakeRepo) GetAPIKeyByPrefix(_ context.Context, prefix string) (*domain.ApiKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apiKeys[prefix], nil
}

func (f *fakeRepo) CreateAccessToken(_ context.Context, t *domain.AccessToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.Token] = t
	return nil
}
func (f *fakeRepo) ConsumeAccessToken(_ context.Context, token, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok || t.SessionID != sessionID || t.Consumed() {
		return false, nil
	}
	now := time.Now()
	t.ConsumedAt = &now
	return true, nil
}

func (f *fakeRepo) CreateShare(_ context.Context, s *domain.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[s.ShareID] = s
	return nil
}
func (f *fakeRepo) GetShare(_ context.Context, shareID string) (*domain.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shares[shareID], nil
}
func (f *fakeRepo) ListShares(_ context.Context, ownerID, recipientID string, status domain.ShareStatus) ([]*domain.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Share
	for _, s := range f.shares {
		if ownerID != "" && s.OwnerID != ownerID {
			continue
		}
		if recipientID != "" && s.RecipientID != recipientID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeRepo) UpdateShare(_ context.Context, s *domain.Share) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[s.ShareID] = s
	return nil
}
func (f *fakeRepo) DeleteShare(_ context.Context, shareID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shares, shareID)
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

// stubSpawner never fails and returns a fixed tracking id, letting
// session.Manager.Create run to completion in handler tests.
type stubSpawner struct{}

func (stubSpawner) Spawn(context.Context, spawner.Params) (string, error) { return "tracking-1", nil }
func (stubSpawner) Stop(context.Context, string) error                   { return nil }
func (stubSpawner) Describe(context.Context, string) (spawner.Description, error) {
	return spawner.Description{Running: true}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler wires a Handler against an in-memory repo, ready for
// direct method calls (bypassing the Gate middleware: tests inject the
// caller identity directly via auth.WithAPIKeyName).
func newTestHandler(repo *fakeRepo) *Handler {
	logger := discardLogger()
	sessions := session.New(repo, stubSpawner{}, "http://api.internal", logger)
	blocker := question.New(repo, time.Minute, nil)
	gate := auth.NewGate(repo)
	return NewHandler(repo, sessions, blocker, gate, logger)
}

func withCaller(r *http.Request, caller string) *http.Request {
	return r.WithContext(auth.WithAPIKeyName(r.Context(), caller))
}

func reqWithParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestCreateSessionAndGetAndStop(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)

	body := `{"prompt":"build me a thing","cpu":500,"memoryMb":1024}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", stringsReader(body))
	req = withCaller(req, "caller-1")
	w := httptest.NewRecorder()
	h.CreateSession(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]interface{}
	decodeBody(t, w, &created)
	sessionID, _ := created["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("expected a sessionId in the response")
	}
	if created["accessToken"] == "" || created["accessToken"] == nil {
		t.Error("expected a non-empty accessToken in the create response")
	}

	getReq := reqWithParam(httptest.NewRequest(http.MethodGet, "/api/sessions/"+sessionID, nil), "id", sessionID)
	getW := httptest.NewRecorder()
	h.GetSession(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getW.Code)
	}
	var sess domain.Session
	decodeBody(t, getW, &sess)
	if sess.Status != domain.SessionStarting {
		t.Errorf("expected starting status, got %q", sess.Status)
	}
	if sess.AccessToken != "" {
		t.Error("expected AccessToken to be empty when re-fetched via GetSession, not carried in storage")
	}

	stopReq := reqWithParam(httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/stop", nil), "id", sessionID)
	stopW := httptest.NewRecorder()
	h.StopSession(stopW, stopReq)
	if stopW.Code != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d: %s", stopW.Code, stopW.Body.String())
	}
	var stopped domain.Session
	decodeBody(t, stopW, &stopped)
	if stopped.Status != domain.SessionStopped {
		t.Errorf("expected stopped status, got %q", stopped.Status)
	}
}

func TestCreateSessionRejectsEmptyPrompt(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/sessions", stringsReader(`{}`)), "caller-1")
	w := httptest.NewRecorder()
	h.CreateSession(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty prompt, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAskAnswerAndListQuestions(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)
	repo.UpsertWorker(context.Background(), &domain.Worker{ID: "worker-1", Status: domain.WorkerRunning})

	askReq := reqWithParam(httptest.NewRequest(http.MethodPost, "/api/workers/worker-1/questions", stringsReader(`{"text":"continue?"}`)), "id", "worker-1")
	askW := httptest.NewRecorder()
	h.AskQuestion(askW, askReq)
	if askW.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", askW.Code, askW.Body.String())
	}
	var q domain.PendingQuestion
	decodeBody(t, askW, &q)

	// A second question for the same worker must be rejected (409).
	dupReq := reqWithParam(httptest.NewRequest(http.MethodPost, "/api/workers/worker-1/questions", stringsReader(`{"text":"again?"}`)), "id", "worker-1")
	dupW := httptest.NewRecorder()
	h.AskQuestion(dupW, dupReq)
	if dupW.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate pending question, got %d", dupW.Code)
	}

	answerReq := httptest.NewRequest(http.MethodPost, "/api/workers/worker-1/questions/"+q.QuestionID+"/answer", stringsReader(`{"answer":"yes"}`))
	answerReq = reqWithParam(answerReq, "qid", q.QuestionID)
	answerW := httptest.NewRecorder()
	h.AnswerQuestion(answerW, answerReq)
	if answerW.Code != http.StatusOK {
		t.Fatalf("expected 200 on answer, got %d: %s", answerW.Code, answerW.Body.String())
	}

	listReq := reqWithParam(httptest.NewRequest(http.MethodGet, "/api/workers/worker-1/questions?status=answered", nil), "id", "worker-1")
	listW := httptest.NewRecorder()
	h.ListQuestions(listW, listReq)
	var listed map[string]interface{}
	decodeBody(t, listW, &listed)
	if int(listed["count"].(float64)) != 1 {
		t.Errorf("expected 1 answered question, got %v", listed["count"])
	}
}

func TestAskQuestionRejectsUnknownWorker(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)
	req := reqWithParam(httptest.NewRequest(http.MethodPost, "/api/workers/ghost/questions", stringsReader(`{"text":"hi"}`)), "id", "ghost")
	w := httptest.NewRecorder()
	h.AskQuestion(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown worker, got %d", w.Code)
	}
}

func TestShareLifecycle(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)

	createReq := withCaller(httptest.NewRequest(http.MethodPost, "/api/shares", stringsReader(`{"recipientId":"bob","paths":["users/alice/project"]}`)), "alice")
	createW := httptest.NewRecorder()
	h.CreateShare(createW, createReq)
	if createW.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createW.Code, createW.Body.String())
	}
	var share domain.Share
	decodeBody(t, createW, &share)

	checkReq := httptest.NewRequest(http.MethodGet, "/api/shares/access/check?recipientId=bob&ownerId=alice&path=users/alice/project/file.txt", nil)
	checkW := httptest.NewRecorder()
	h.CheckShareAccess(checkW, checkReq)
	var checkResult map[string]interface{}
	decodeBody(t, checkW, &checkResult)
	if checkResult["allowed"] != true {
		t.Errorf("expected access to be allowed for a path under the shared prefix, got %v", checkResult)
	}

	revokeReq := reqWithParam(httptest.NewRequest(http.MethodPost, "/api/shares/"+share.ShareID+"/revoke", nil), "id", share.ShareID)
	revokeW := httptest.NewRecorder()
	h.RevokeShare(revokeW, revokeReq)
	if revokeW.Code != http.StatusOK {
		t.Fatalf("expected 200 on revoke, got %d", revokeW.Code)
	}

	postRevokeCheckW := httptest.NewRecorder()
	h.CheckShareAccess(postRevokeCheckW, checkReq)
	var postRevokeResult map[string]interface{}
	decodeBody(t, postRevokeCheckW, &postRevokeResult)
	if postRevokeResult["allowed"] != false {
		t.Errorf("expected access to be denied after revoke, got %v", postRevokeResult)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/keys/generate", stringsReader(`{"name":"ci-bot"}`))
	w := httptest.NewRecorder()
	h.GenerateAPIKey(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	decodeBody(t, w, &resp)
	fullKey, _ := resp["key"].(string)
	if fullKey == "" {
		t.Fatal("expected a non-empty key in the response")
	}

	prefix, secret, ok := auth.SplitKey(fullKey)
	if !ok {
		t.Fatalf("expected generated key %q to parse", fullKey)
	}
	rec, err := repo.GetAPIKeyByPrefix(context.Background(), prefix)
	if err != nil || rec == nil {
		t.Fatalf("expected persisted api key record for prefix %q", prefix)
	}
	if !auth.Verify(rec, secret) {
		t.Error("expected the generated secret to verify against the persisted hash")
	}
}

func TestGenerateAPIKeyRejectsEmptyName(t *testing.T) {
	repo := newFakeRepo()
	h := newTestHandler(repo)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/keys/generate", stringsReader(`{}`))
	w := httptest.NewRecorder()
	h.GenerateAPIKey(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
