package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/notestore"
	"github.com/starford/raido/internal/queue"
)

// SaveNoteRequest is the request body for creating or updating a note.
type SaveNoteRequest struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content"`
}

// Validate checks the request. requirePath is true for POST /notes, where
// the path comes from the body rather than the URL.
func (r *SaveNoteRequest) Validate(requirePath bool) error {
	fields := []*validation.FieldRules{
		validation.Field(&r.Content, validation.Required),
	}
	if requirePath {
		fields = append(fields, validation.Field(&r.Path, validation.Required))
	}
	return validation.ValidateStruct(r, fields...)
}

// ConnectRequest is the request body for a manual server link.
type ConnectRequest struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// Validate checks the request.
func (r *ConnectRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.URL, validation.Required),
		validation.Field(&r.APIKey, validation.Required),
	)
}

// NoteDetail is a full note including content, which the metadata type
// deliberately keeps out of JSON.
type NoteDetail struct {
	models.LocalNote
	Content string `json:"content"`
}

func noteDetail(n *models.LocalNote) NoteDetail {
	return NoteDetail{LocalNote: *n, Content: string(n.Content)}
}

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []models.LocalNote `json:"notes"`
	Total int                `json:"total"`
}

// StatusResponse is the engine status summary shown to the UI.
type StatusResponse struct {
	Status         models.ConnectionStatus `json:"status"`
	URL            string                  `json:"url,omitempty"`
	ServerIdentity string                  `json:"server_identity,omitempty"`
	LastSyncAt     *time.Time              `json:"last_sync_at,omitempty"`
	DirtyCount     int                     `json:"dirty_count"`
	PendingCount   int                     `json:"pending_count"`
	Error          string                  `json:"error,omitempty"`
}

// DirtyResponse wraps the dirty-note listing.
type DirtyResponse struct {
	Notes []models.LocalNote `json:"notes"`
	Count int                `json:"count"`
}

// DeadLetterResponse wraps the dead-letter listing.
type DeadLetterResponse struct {
	Items []queue.DeadItem `json:"items"`
}

// SupersededResponse wraps conflict-losing snapshots for one path.
type SupersededResponse struct {
	Snapshots []notestore.Snapshot `json:"snapshots"`
}
