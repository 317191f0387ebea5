package notestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/parser"
	"github.com/starford/raido/internal/storage"
)

// Store is the local note replica: vault files plus a SQLite metadata index.
type Store struct {
	conn  *sql.DB
	vault storage.Provider
	locks *pathLocks
}

// New creates a Store over an open database connection and applies the schema.
func New(conn *sql.DB, vault storage.Provider) (*Store, error) {
	if _, err := conn.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("notestore: apply schema: %w", err)
	}
	return &Store{conn: conn, vault: vault, locks: newPathLocks()}, nil
}

// Upsert writes content to the vault and refreshes the note's metadata.
// The dirty flag is recomputed against the last-synced checksum, so writing
// back the exact synced content clears it again.
func (s *Store) Upsert(notePath string, content []byte) (*models.LocalNote, error) {
	unlock := s.locks.acquire(notePath)
	defer unlock()

	if err := s.vault.Write(notePath, content); err != nil {
		return nil, err
	}
	return s.indexContent(notePath, content, time.Now())
}

// indexContent parses content and upserts the metadata row. Callers must
// hold the path lock.
func (s *Store) indexContent(notePath string, content []byte, updatedAt time.Time) (*models.LocalNote, error) {
	res, err := parser.Parse(content)
	if err != nil {
		return nil, err
	}
	hash := checksum.Sum(content)

	var (
		synced    string
		createdAt time.Time
	)
	err = s.conn.QueryRow(`SELECT checksum, created_at FROM notes WHERE path = ?`, notePath).
		Scan(&synced, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		createdAt = updatedAt
	} else if err != nil {
		return nil, fmt.Errorf("notestore: read row: %w", err)
	}

	note := &models.LocalNote{
		Path:       notePath,
		Title:      res.Title,
		Folder:     folderOf(notePath),
		Tags:       res.Tags,
		Links:      res.Links,
		Content:    content,
		Checksum:   synced,
		WordCount:  res.WordCount,
		IsDirty:    hash != synced,
		IsFavorite: res.Favorite,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	if err := s.writeRow(note, hash); err != nil {
		return nil, err
	}
	return note, nil
}

func (s *Store) writeRow(n *models.LocalNote, contentHash string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("notestore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	tagsJSON, _ := json.Marshal(n.Tags)

	_, err = tx.Exec(`
		INSERT INTO notes (path, title, folder, tags, content_hash, checksum,
		                   word_count, is_dirty, is_favorite, sync_version,
		                   created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT sync_version FROM notes WHERE path = ?), 0), ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title        = excluded.title,
			folder       = excluded.folder,
			tags         = excluded.tags,
			content_hash = excluded.content_hash,
			checksum     = excluded.checksum,
			word_count   = excluded.word_count,
			is_dirty     = excluded.is_dirty,
			is_favorite  = excluded.is_favorite,
			updated_at   = excluded.updated_at
	`, n.Path, n.Title, n.Folder, string(tagsJSON), contentHash, n.Checksum,
		n.WordCount, n.IsDirty, n.IsFavorite, n.Path, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("notestore: upsert note: %w", err)
	}

	// Replace outgoing links; backlinks stay derived from this table, so no
	// graph walk ever happens.
	if _, err := tx.Exec(`DELETE FROM links WHERE source = ?`, n.Path); err != nil {
		return fmt.Errorf("notestore: clear links: %w", err)
	}
	if len(n.Links) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO links (source, target) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("notestore: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, target := range n.Links {
			if _, err := stmt.Exec(n.Path, target); err != nil {
				return fmt.Errorf("notestore: insert link: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Index records content already on disk without rewriting the vault file.
// The watcher uses this for externally written files.
func (s *Store) Index(notePath string, content []byte) (*models.LocalNote, error) {
	unlock := s.locks.acquire(notePath)
	defer unlock()

	return s.indexContent(notePath, content, time.Now())
}

// ContentHash returns the indexed content hash for a path, or empty string
// when the path is not indexed.
func (s *Store) ContentHash(notePath string) (string, error) {
	var h string
	err := s.conn.QueryRow(`SELECT content_hash FROM notes WHERE path = ?`, notePath).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// Delete removes a note from the vault and its metadata row.
func (s *Store) Delete(notePath string) error {
	unlock := s.locks.acquire(notePath)
	defer unlock()

	if err := s.vault.Delete(notePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.deleteRow(notePath)
}

func (s *Store) deleteRow(notePath string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("notestore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, notePath)
	_, _ = tx.Exec(`DELETE FROM notes WHERE path = ?`, notePath)

	return tx.Commit()
}

// Get returns the full note: metadata row, vault content, and backlinks.
func (s *Store) Get(notePath string) (*models.LocalNote, error) {
	note, err := s.Meta(notePath)
	if err != nil {
		return nil, err
	}
	content, err := s.vault.Read(notePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	note.Content = content
	note.Backlinks, err = s.Backlinks(notePath)
	if err != nil {
		return nil, err
	}
	return note, nil
}

// Meta returns the metadata row without reading the vault file.
func (s *Store) Meta(notePath string) (*models.LocalNote, error) {
	row := s.conn.QueryRow(`
		SELECT path, title, folder, tags, checksum, word_count,
		       is_dirty, is_favorite, sync_version, created_at, updated_at
		FROM notes WHERE path = ?`, notePath)
	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return note, err
}

// ListDirty returns metadata for every note whose content diverges from its
// last-synced checksum, oldest edit first.
func (s *Store) ListDirty() ([]models.LocalNote, error) {
	rows, err := s.conn.Query(`
		SELECT path, title, folder, tags, checksum, word_count,
		       is_dirty, is_favorite, sync_version, created_at, updated_at
		FROM notes WHERE is_dirty = 1 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("notestore: list dirty: %w", err)
	}
	defer rows.Close()

	var out []models.LocalNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// List returns paginated note metadata with optional tag and folder filters.
// sort is one of "updated" (default, newest first), "title", "path".
func (s *Store) List(limit, offset int, tag, folder, sort string) ([]models.LocalNote, int, error) {
	where := "1=1"
	args := []any{}
	if tag != "" {
		// tags is a JSON array; match the quoted element.
		where += ` AND tags LIKE ?`
		args = append(args, `%"`+tag+`"%`)
	}
	if folder != "" {
		where += ` AND folder = ?`
		args = append(args, folder)
	}

	var total int
	if err := s.conn.QueryRow(`SELECT count(*) FROM notes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("notestore: count notes: %w", err)
	}

	order := "updated_at DESC"
	switch sort {
	case "title":
		order = "title COLLATE NOCASE"
	case "path":
		order = "path"
	}

	args = append(args, limit, offset)
	rows, err := s.conn.Query(`
		SELECT path, title, folder, tags, checksum, word_count,
		       is_dirty, is_favorite, sync_version, created_at, updated_at
		FROM notes WHERE `+where+` ORDER BY `+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("notestore: list notes: %w", err)
	}
	defer rows.Close()

	var out []models.LocalNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *n)
	}
	return out, total, rows.Err()
}

// DirtyCount returns the number of dirty notes.
func (s *Store) DirtyCount() (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT count(*) FROM notes WHERE is_dirty = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("notestore: dirty count: %w", err)
	}
	return n, nil
}

// Backlinks returns all note paths that link to the given target.
func (s *Store) Backlinks(target string) ([]string, error) {
	rows, err := s.conn.Query(`SELECT source FROM links WHERE target = ? ORDER BY source`, target)
	if err != nil {
		return nil, fmt.Errorf("notestore: backlinks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkSynced records a server-accepted write: the synced checksum and new
// sync version. The dirty flag survives iff the vault content moved on since
// the pushed snapshot.
func (s *Store) MarkSynced(notePath, syncedChecksum string, version int64) error {
	unlock := s.locks.acquire(notePath)
	defer unlock()

	_, err := s.conn.Exec(`
		UPDATE notes SET checksum = ?, sync_version = ?,
		       is_dirty = CASE WHEN content_hash = ? THEN 0 ELSE 1 END
		WHERE path = ?`, syncedChecksum, version, syncedChecksum, notePath)
	if err != nil {
		return fmt.Errorf("notestore: mark synced: %w", err)
	}
	return nil
}

// ApplyRemote overwrites local state with an authoritative server copy.
// For a deletion it removes the note entirely.
func (s *Store) ApplyRemote(remote models.RemoteNote) error {
	if remote.Deleted {
		return s.Delete(remote.Path)
	}

	unlock := s.locks.acquire(remote.Path)
	defer unlock()

	if err := s.vault.Write(remote.Path, remote.Content); err != nil {
		return err
	}
	res, err := parser.Parse(remote.Content)
	if err != nil {
		return err
	}
	note := &models.LocalNote{
		Path:        remote.Path,
		Title:       res.Title,
		Folder:      folderOf(remote.Path),
		Tags:        res.Tags,
		Links:       res.Links,
		Checksum:    remote.Checksum,
		WordCount:   res.WordCount,
		IsDirty:     false,
		IsFavorite:  res.Favorite,
		SyncVersion: remote.SyncVersion,
		CreatedAt:   remote.UpdatedAt,
		UpdatedAt:   remote.UpdatedAt,
	}
	if err := s.writeRow(note, checksum.Sum(remote.Content)); err != nil {
		return err
	}
	// writeRow preserves an existing sync_version; pin the remote one.
	_, err = s.conn.Exec(`UPDATE notes SET sync_version = ?, is_dirty = 0 WHERE path = ?`,
		remote.SyncVersion, remote.Path)
	if err != nil {
		return fmt.Errorf("notestore: pin remote version: %w", err)
	}
	return nil
}

// SaveSuperseded preserves a local edit that lost a conflict so the user can
// recover it later.
func (s *Store) SaveSuperseded(notePath string, content []byte, updatedAt time.Time) error {
	_, err := s.conn.Exec(`
		INSERT INTO superseded_snapshots (path, content, updated_at, created_at)
		VALUES (?, ?, ?, ?)`, notePath, content, updatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("notestore: save superseded: %w", err)
	}
	return nil
}

// Snapshot is a recoverable copy of a local edit that lost a conflict.
type Snapshot struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Content   []byte    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ListSuperseded returns saved snapshots for a path, newest first.
func (s *Store) ListSuperseded(notePath string) ([]Snapshot, error) {
	rows, err := s.conn.Query(`
		SELECT id, path, content, updated_at, created_at
		FROM superseded_snapshots WHERE path = ? ORDER BY id DESC`, notePath)
	if err != nil {
		return nil, fmt.Errorf("notestore: list superseded: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.Path, &sn.Content, &sn.UpdatedAt, &sn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// ContentHashes returns the current content hash for every indexed path.
// The vault rescan uses this to skip unchanged files.
func (s *Store) ContentHashes() (map[string]string, error) {
	rows, err := s.conn.Query(`SELECT path, content_hash FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("notestore: content hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(r rowScanner) (*models.LocalNote, error) {
	var (
		n        models.LocalNote
		tagsJSON string
	)
	err := r.Scan(&n.Path, &n.Title, &n.Folder, &tagsJSON, &n.Checksum,
		&n.WordCount, &n.IsDirty, &n.IsFavorite, &n.SyncVersion,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
	return &n, nil
}

func folderOf(notePath string) string {
	dir := path.Dir(notePath)
	if dir == "." {
		return ""
	}
	return dir
}
