package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/hq-labs/relay/internal/apperr"
	"github.com/hq-labs/relay/internal/session"
)

// createLocks prevents two concurrent create requests for the same
// caller from racing each other's worker spawn.
var createLocks sync.Map

type createSessionRequest struct {
	Prompt        string                 `json:"prompt"`
	WorkerContext map[string]interface{} `json:"workerContext"`
	Skill         string                 `json:"skill"`
	Project       string                 `json:"project"`
	CPU           int64                  `json:"cpu"`
	MemoryMB      int64                  `json:"memoryMb"`
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	caller := callerID(r)
	lock, _ := createLocks.LoadOrStore(caller, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		WriteError(w, apperr.Conflict("a session is already being created for this caller"))
		return
	}
	defer func() {
		mutex.Unlock()
		createLocks.Delete(caller)
	}()

	cpu, memoryMB := req.CPU, req.MemoryMB
	if cpu == 0 && memoryMB == 0 {
		cpu, memoryMB = 500, 1024
	}

	sess, err := h.sessions.Create(r.Context(), session.CreateInput{
		UserID:        caller,
		InitialPrompt: req.Prompt,
		WorkerContext: req.WorkerContext,
		Skill:         req.Skill,
		Project:       req.Project,
		CPU:           cpu,
		MemoryMB:      memoryMB,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId":   sess.SessionID,
		"accessToken": sess.AccessToken,
		"status":      sess.Status,
	})
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context(), callerID(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// GetSessionMessages handles GET /api/sessions/{id}/messages?after=<seq>.
func (h *Handler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			WriteError(w, apperr.Validation("after must be an integer sequence number"))
			return
		}
		after = n
	}

	msgs, err := h.repo.GetMessages(r.Context(), sessionID, after)
	if err != nil {
		WriteError(w, apperr.Internal("get session messages", err))
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// StopSession handles POST /api/sessions/{id}/stop.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.sessions.Stop(r.Context(), sessionID); err != nil {
		WriteError(w, err)
		return
	}
	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}
