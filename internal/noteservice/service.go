// Package noteservice is the local editing surface: every user-visible note
// mutation flows through here so the store and the change queue stay in step.
package noteservice

import (
	"context"
	"errors"
	"log/slog"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/notestore"
	"github.com/starford/raido/internal/queue"
	"github.com/starford/raido/internal/storage"
)

// EventFunc observes local mutations ("note.dirty") for UI notification.
type EventFunc func(kind, path string)

// Service coordinates vault, store, and queue for local edits.
type Service struct {
	vault   storage.Provider
	store   *notestore.Store
	queue   *queue.Queue
	logger  *slog.Logger
	onEvent EventFunc
}

// NewService creates a note service.
func NewService(vault storage.Provider, store *notestore.Store, q *queue.Queue,
	logger *slog.Logger, onEvent EventFunc) *Service {
	return &Service{vault: vault, store: store, queue: q, logger: logger, onEvent: onEvent}
}

// Get returns the full note with content and backlinks.
func (s *Service) Get(_ context.Context, path string) (*models.LocalNote, error) {
	return s.store.Get(path)
}

// List returns paginated note metadata.
func (s *Service) List(_ context.Context, limit, offset int, tag, folder, sort string) ([]models.LocalNote, int, error) {
	return s.store.List(limit, offset, tag, folder, sort)
}

// Save writes a local edit: vault file, metadata row, and a queued mutation
// for the next sync cycle.
func (s *Service) Save(_ context.Context, path string, content []byte) (*models.LocalNote, error) {
	prior, err := s.store.Meta(path)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	note, err := s.store.Upsert(path, content)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(path, content, prior, note); err != nil {
		return nil, err
	}
	return note, nil
}

// Absorb records content written to the vault by something other than Save
// (editor, file manager). The file is already on disk, so only the metadata
// row and the queue are updated.
func (s *Service) Absorb(_ context.Context, path string, content []byte) (*models.LocalNote, error) {
	prior, err := s.store.Meta(path)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	note, err := s.store.Index(path, content)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(path, content, prior, note); err != nil {
		return nil, err
	}
	return note, nil
}

// enqueue appends the mutation implied by a save to the change queue. A save
// that leaves the note clean with nothing pending queues nothing.
func (s *Service) enqueue(path string, content []byte, prior, note *models.LocalNote) error {
	if !note.IsDirty {
		pending, err := s.queue.Pending(path)
		if err != nil {
			return err
		}
		if pending == nil {
			return nil
		}
		// A pending item holds an older snapshot; coalesce the revert in.
	}

	var item queue.Item
	if prior == nil || prior.Checksum == "" {
		item = queue.Create(path, content)
	} else {
		item = queue.Update(path, content, prior.SyncVersion)
	}
	if err := s.queue.Enqueue(item); err != nil {
		return err
	}
	s.emit("note.dirty", path)
	return nil
}

// Delete removes a note locally and queues the deletion for sync.
func (s *Service) Delete(_ context.Context, path string) error {
	meta, err := s.store.Meta(path)
	if err != nil {
		return err
	}
	if err := s.store.Delete(path); err != nil {
		return err
	}
	// Coalescing cancels this against a still-pending create, so a note the
	// server never saw produces no push at all.
	if err := s.queue.Enqueue(queue.Delete(path, meta.SyncVersion)); err != nil {
		return err
	}
	s.emit("note.dirty", path)
	return nil
}

// ListDirty returns metadata for every note with unsynced changes.
func (s *Service) ListDirty(_ context.Context) ([]models.LocalNote, error) {
	return s.store.ListDirty()
}

// DirtyCount returns the number of notes with unsynced changes.
func (s *Service) DirtyCount(_ context.Context) (int, error) {
	return s.store.DirtyCount()
}

// Backlinks returns all note paths that link to the given target.
func (s *Service) Backlinks(_ context.Context, target string) ([]string, error) {
	return s.store.Backlinks(target)
}

// ListSuperseded returns conflict-losing snapshots saved for a path.
func (s *Service) ListSuperseded(_ context.Context, path string) ([]notestore.Snapshot, error) {
	return s.store.ListSuperseded(path)
}

// Rescan walks the vault and reconciles the store against it: changed or new
// files are absorbed, rows whose files vanished are deleted. Used at startup
// and after rename storms.
func (s *Service) Rescan(ctx context.Context) error {
	hashes, err := s.store.ContentHashes()
	if err != nil {
		return err
	}
	files, err := s.vault.List("")
	if err != nil {
		return err
	}

	onDisk := make(map[string]struct{}, len(files))
	for _, f := range files {
		onDisk[f.Path] = struct{}{}
		if hashes[f.Path] == f.Checksum {
			continue
		}
		content, err := s.vault.Read(f.Path)
		if err != nil {
			s.logger.Warn("rescan: read failed",
				slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		if _, err := s.Absorb(ctx, f.Path, content); err != nil {
			s.logger.Warn("rescan: absorb failed",
				slog.String("path", f.Path), slog.String("error", err.Error()))
		}
	}

	for path := range hashes {
		if _, ok := onDisk[path]; ok {
			continue
		}
		if err := s.Delete(ctx, path); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("rescan: delete failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Service) emit(kind, path string) {
	if s.onEvent != nil {
		s.onEvent(kind, path)
	}
}
