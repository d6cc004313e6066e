package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/domain"
)

type upsertWorkerRequest struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Status domain.WorkerStatus `json:"status"`
}

// CreateWorker handles POST /api/workers, the catalogue-entry route used
// by callers registering a worker outside the session-create path (e.g.
// a worker re-announcing itself after a restart).
func (h *Handler) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var req upsertWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.ID == "" {
		WriteError(w, apperr.Validation("id is required"))
		return
	}
	status := req.Status
	if status == "" {
		status = domain.WorkerRunning
	}

	now := time.Now()
	existing, err := h.repo.GetWorker(r.Context(), req.ID)
	if err != nil {
		WriteError(w, apperr.Internal("get worker", err))
		return
	}
	worker := &domain.Worker{
		ID:        req.ID,
		Name:      req.Name,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		worker.SessionID = existing.SessionID
		worker.TrackingID = existing.TrackingID
		worker.Skill = existing.Skill
		worker.CreatedAt = existing.CreatedAt
	}
	if err := h.repo.UpsertWorker(r.Context(), worker); err != nil {
		WriteError(w, apperr.Internal("upsert worker", err))
		return
	}
	JSON(w, http.StatusCreated, worker)
}

// GetWorker handles GET /api/workers/{id}.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.repo.GetWorker(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, apperr.Internal("get worker", err))
		return
	}
	if worker == nil {
		WriteError(w, apperr.NotFound("worker not found"))
		return
	}
	JSON(w, http.StatusOK, worker)
}

// ListWorkers handles GET /api/workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.repo.ListWorkers(r.Context())
	if err != nil {
		WriteError(w, apperr.Internal("list workers", err))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
}

type askQuestionRequest struct {
	Text    string                 `json:"text"`
	Options []domain.QuestionOption `json:"options"`
}

// AskQuestion handles POST /api/workers/{id}/questions.
func (h *Handler) AskQuestion(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	worker, err := h.repo.GetWorker(r.Context(), workerID)
	if err != nil {
		WriteError(w, apperr.Internal("get worker", err))
		return
	}
	if worker == nil {
		WriteError(w, apperr.NotFound("worker not found"))
		return
	}

	var req askQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	q, err := h.blocker.Ask(r.Context(), workerID, req.Text, req.Options)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, q)
}

type answerQuestionRequest struct {
	Answer string `json:"answer"`
}

// AnswerQuestion handles POST /api/workers/{id}/questions/{qid}/answer.
func (h *Handler) AnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var req answerQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	q, err := h.blocker.Answer(r.Context(), chi.URLParam(r, "qid"), req.Answer)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, q)
}

// ListQuestions handles GET /api/workers/{id}/questions?status=pending|answered.
func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	status := domain.QuestionStatus(r.URL.Query().Get("status"))
	qs, err := h.blocker.List(r.Context(), workerID, status)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"count": len(qs), "questions": qs})
}
