package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/noteservice"
	"github.com/starford/raido/internal/pairing"
	"github.com/starford/raido/internal/queue"
	"github.com/starford/raido/internal/reconciler"
	"github.com/starford/raido/internal/supervisor"
)

// Handler holds API route handlers.
type Handler struct {
	svc   *noteservice.Service
	sup   *supervisor.Supervisor
	rec   *reconciler.Reconciler
	pair  *pairing.Coordinator
	queue *queue.Queue
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service, sup *supervisor.Supervisor,
	rec *reconciler.Reconciler, pair *pairing.Coordinator, q *queue.Queue) *Handler {
	return &Handler{svc: svc, sup: sup, rec: rec, pair: pair, queue: q}
}

// notePath extracts the note path from the URL (everything after /notes/).
// Supports encoded slashes from OpenAPI clients (e.g. topics%2Fnote.md).
func notePath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Status handles GET /status: connection state plus sync backlog counters.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.sup.Status()}
	if conn, ok := h.sup.Connection(); ok {
		resp.URL = conn.URL
		resp.ServerIdentity = conn.ServerIdentity
	}
	resp.LastSyncAt = h.sup.LastSyncAt()
	if err := h.sup.Err(); err != nil {
		resp.Error = err.Error()
	}

	dirty, err := h.svc.DirtyCount(r.Context())
	if err != nil {
		slog.Error("status: dirty count failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	resp.DirtyCount = dirty
	pending, err := h.queue.Len()
	if err != nil {
		slog.Error("status: queue len failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	resp.PendingCount = pending

	writeJSON(w, http.StatusOK, resp)
}

// ListNotes handles GET /notes with pagination and optional tag/folder filters.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	notes, total, err := h.svc.List(r.Context(), limit, offset, q.Get("tag"), q.Get("folder"), q.Get("sort"))
	if err != nil {
		slog.Error("list notes failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if notes == nil {
		notes = []models.LocalNote{}
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: total})
}

// GetNote handles GET /notes/*.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	note, err := h.svc.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get note failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, noteDetail(note))
}

// CreateNote handles POST /notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req SaveNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(true); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if _, err := h.svc.Get(r.Context(), req.Path); err == nil {
		writeJSON(w, http.StatusConflict, errorBody("note already exists"))
		return
	}

	note, err := h.svc.Save(r.Context(), req.Path, []byte(req.Content))
	if err != nil {
		h.writeSaveError(w, req.Path, err)
		return
	}
	writeJSON(w, http.StatusCreated, noteDetail(note))
}

// UpdateNote handles PUT /notes/*. Creating through PUT is allowed; the
// reconciler sorts out create-versus-update when it pushes.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req SaveNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(false); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	note, err := h.svc.Save(r.Context(), path, []byte(req.Content))
	if err != nil {
		h.writeSaveError(w, path, err)
		return
	}
	writeJSON(w, http.StatusOK, noteDetail(note))
}

func (h *Handler) writeSaveError(w http.ResponseWriter, path string, err error) {
	if errors.Is(err, queue.ErrDeletePending) {
		writeJSON(w, http.StatusConflict, errorBody("a deletion of this note is still syncing"))
		return
	}
	slog.Error("save note failed", slog.String("path", path), slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

// DeleteNote handles DELETE /notes/*.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.Delete(r.Context(), path); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		slog.Error("delete note failed", slog.String("path", path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Backlinks handles GET /backlinks?target=path.
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'target' is required"))
		return
	}
	links, err := h.svc.Backlinks(r.Context(), target)
	if err != nil {
		slog.Error("backlinks failed", slog.String("target", target), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if links == nil {
		links = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backlinks": links})
}

// ListDirty handles GET /dirty.
func (h *Handler) ListDirty(w http.ResponseWriter, r *http.Request) {
	notes, err := h.svc.ListDirty(r.Context())
	if err != nil {
		slog.Error("list dirty failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if notes == nil {
		notes = []models.LocalNote{}
	}
	writeJSON(w, http.StatusOK, DirtyResponse{Notes: notes, Count: len(notes)})
}

// ListSuperseded handles GET /superseded/*.
func (h *Handler) ListSuperseded(w http.ResponseWriter, r *http.Request) {
	path := notePath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	snaps, err := h.svc.ListSuperseded(r.Context(), path)
	if err != nil {
		slog.Error("list superseded failed", slog.String("path", path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SupersededResponse{Snapshots: snaps})
}

// DeadLetters handles GET /deadletter.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.DeadLetters()
	if err != nil {
		slog.Error("dead letters failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if items == nil {
		items = []queue.DeadItem{}
	}
	writeJSON(w, http.StatusOK, DeadLetterResponse{Items: items})
}

// TriggerSync handles POST /sync: requests an out-of-schedule cycle.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.rec.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

// PairingState handles GET /pairing.
func (h *Handler) PairingState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pair.State())
}

// StartPairing handles POST /pairing.
func (h *Handler) StartPairing(w http.ResponseWriter, r *http.Request) {
	if err := h.pair.Start(r.Context()); err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, errorBody("pairing already in progress"))
			return
		}
		slog.Error("start pairing failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusAccepted, h.pair.State())
}

// CancelPairing handles DELETE /pairing.
func (h *Handler) CancelPairing(w http.ResponseWriter, r *http.Request) {
	h.pair.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// Connect handles POST /connection: a manual link without the relay.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := h.sup.Connect(r.Context(), models.ServerConnection{URL: req.URL, APIKey: req.APIKey}); err != nil {
		h.writeConnectError(w, err)
		return
	}
	h.Status(w, r)
}

// RetryConnection handles POST /connection/retry.
func (h *Handler) RetryConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Retry(r.Context()); err != nil {
		h.writeConnectError(w, err)
		return
	}
	h.Status(w, r)
}

// ConfirmIdentity handles POST /connection/confirm: the user accepts that
// the server behind the URL changed and adopts its new identity.
func (h *Handler) ConfirmIdentity(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.ConfirmIdentity(r.Context()); err != nil {
		h.writeConnectError(w, err)
		return
	}
	h.Status(w, r)
}

// Unlink handles DELETE /connection.
func (h *Handler) Unlink(w http.ResponseWriter, r *http.Request) {
	h.sup.Unlink()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeConnectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrAuth):
		writeJSON(w, http.StatusUnauthorized, errorBody("server rejected the credentials"))
	case errors.Is(err, apperr.ErrIdentityMismatch):
		writeJSON(w, http.StatusConflict, errorBody("server identity changed; confirm to continue"))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("no linked server"))
	case apperr.IsNetwork(err):
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		slog.Error("connection failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
