package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Mount registers every route the external interface exposes onto r.
// Every route under /api is authenticated via h.gate except key
// generation.
func (h *Handler) Mount(r chi.Router) {
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Post("/api/auth/keys/generate", h.GenerateAPIKey)

	r.Group(func(r chi.Router) {
		r.Use(h.gate.Middleware)

		r.Get("/api/auth/setup-status", h.SetupStatus)

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Get("/{id}", h.GetSession)
			r.Get("/{id}/messages", h.GetSessionMessages)
			r.Post("/{id}/stop", h.StopSession)
		})

		r.Route("/api/workers", func(r chi.Router) {
			r.Post("/", h.CreateWorker)
			r.Get("/", h.ListWorkers)
			r.Get("/{id}", h.GetWorker)
			r.Post("/{id}/questions", h.AskQuestion)
			r.Get("/{id}/questions", h.ListQuestions)
			r.Post("/{id}/questions/{qid}/answer", h.AnswerQuestion)
		})

		r.Route("/api/shares", func(r chi.Router) {
			r.Post("/", h.CreateShare)
			r.Get("/", h.ListShares)
			r.Get("/access/check", h.CheckShareAccess)
			r.Get("/accessible/{userId}", h.ListAccessibleShares)
			r.Get("/{id}", h.GetShare)
			r.Patch("/{id}", h.UpdateShare)
			r.Post("/{id}/revoke", h.RevokeShare)
			r.Delete("/{id}", h.DeleteShare)
			r.Get("/{id}/policy", h.SharePolicy)
		})
	})
}

// Health reports basic liveness, including the database round-trip.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
