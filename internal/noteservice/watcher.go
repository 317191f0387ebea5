package noteservice

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
)

func isNotFound(err error) bool { return errors.Is(err, apperr.ErrNotFound) }

// Watch starts an fsnotify watcher on the vault root and absorbs external
// file changes until ctx is cancelled.
//
// Files the sync engine itself writes produce events too; those are
// suppressed by comparing the file's checksum against the indexed content
// hash, so a pull never re-queues what it just applied. Rename events
// trigger a debounced rescan that removes stale rows whose files no longer
// exist on disk.
func Watch(ctx context.Context, svc *Service, vaultRoot string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, vaultRoot); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", vaultRoot))

	// rescanTimer debounces rename reconciliation.
	var rescanTimer *time.Timer
	var rescanCh <-chan time.Time

	scheduleRescan := func() {
		if rescanTimer == nil {
			rescanTimer = time.NewTimer(200 * time.Millisecond)
			rescanCh = rescanTimer.C
		} else {
			rescanTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if rescanTimer != nil {
				rescanTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-rescanCh:
			if err := svc.Rescan(ctx); err != nil {
				logger.Warn("watcher: rescan failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			absPath := ev.Name

			// New directories join the watch list.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					absorbNewDir(ctx, svc, vaultRoot, absPath, logger)
					continue
				}
			}

			if !strings.HasSuffix(absPath, ".md") {
				continue
			}
			rel, relErr := filepath.Rel(vaultRoot, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				absorbFile(ctx, svc, rel, logger)

			case ev.Op&fsnotify.Remove != 0:
				deleteStale(ctx, svc, rel, logger)

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify fires Rename on the OLD path only; the new path
				// arrives as a separate Create event. Drop the old entry now
				// and rescan shortly for stragglers.
				deleteStale(ctx, svc, rel, logger)
				scheduleRescan()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// absorbFile reads a changed file and absorbs it unless the content matches
// what the store already holds (an echo of the engine's own write).
func absorbFile(ctx context.Context, svc *Service, rel string, logger *slog.Logger) {
	data, err := svc.vault.Read(rel)
	if err != nil {
		logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	indexed, err := svc.store.ContentHash(rel)
	if err != nil {
		logger.Warn("watcher: hash lookup failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	if indexed == checksum.Sum(data) {
		return // our own write echoing back
	}
	if _, err := svc.Absorb(ctx, rel, data); err != nil {
		logger.Warn("watcher: absorb failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	logger.Debug("watcher: absorbed", slog.String("path", rel))
}

// deleteStale removes a note whose file disappeared. A row that is already
// gone means the engine deleted it itself; that echo is ignored.
func deleteStale(ctx context.Context, svc *Service, rel string, logger *slog.Logger) {
	err := svc.Delete(ctx, rel)
	switch {
	case err == nil:
		logger.Debug("watcher: deleted", slog.String("path", rel))
	case isNotFound(err):
	default:
		logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
}

// absorbNewDir absorbs any .md files already present in a newly created
// directory, since their create events may have fired before the watch was
// in place.
func absorbNewDir(ctx context.Context, svc *Service, vaultRoot, dirPath string, logger *slog.Logger) {
	_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, path)
		if relErr != nil {
			return nil
		}
		absorbFile(ctx, svc, filepath.ToSlash(rel), logger)
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
