package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Engine status and sync control.
	r.Get("/status", h.Status)
	r.Post("/sync", h.TriggerSync)

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/*", h.GetNote)
	r.Put("/notes/*", h.UpdateNote)
	r.Delete("/notes/*", h.DeleteNote)

	// Sync bookkeeping.
	r.Get("/backlinks", h.Backlinks)
	r.Get("/dirty", h.ListDirty)
	r.Get("/superseded/*", h.ListSuperseded)
	r.Get("/deadletter", h.DeadLetters)

	// Pairing flow.
	r.Get("/pairing", h.PairingState)
	r.Post("/pairing", h.StartPairing)
	r.Delete("/pairing", h.CancelPairing)

	// Connection management.
	r.Post("/connection", h.Connect)
	r.Delete("/connection", h.Unlink)
	r.Post("/connection/retry", h.RetryConnection)
	r.Post("/connection/confirm", h.ConfirmIdentity)

	// SSE endpoint (protected by the same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
