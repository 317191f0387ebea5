package notestore

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/localdb"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "raido-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	conn, err := localdb.Open(dbFile.Name())
	if err != nil {
		t.Fatalf("localdb.Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	vault, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	store, err := New(conn, vault)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestUpsert_NewNoteIsDirty(t *testing.T) {
	s := testStore(t)
	n, err := s.Upsert("a.md", []byte("# A\nhello world"))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !n.IsDirty {
		t.Error("never-synced note should be dirty")
	}
	if n.Checksum != "" {
		t.Errorf("checksum = %q, want empty before first sync", n.Checksum)
	}
	if n.WordCount != 3 {
		t.Errorf("word count = %d, want 3", n.WordCount)
	}
	if n.Title != "A" {
		t.Errorf("title = %q", n.Title)
	}
}

func TestMarkSynced_ClearsDirty(t *testing.T) {
	s := testStore(t)
	content := []byte("synced body")
	_, _ = s.Upsert("a.md", content)

	if err := s.MarkSynced("a.md", checksum.Sum(content), 1); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	n, err := s.Meta("a.md")
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if n.IsDirty {
		t.Error("dirty flag should clear when vault content matches synced checksum")
	}
	if n.SyncVersion != 1 {
		t.Errorf("sync version = %d, want 1", n.SyncVersion)
	}
}

func TestMarkSynced_KeepsDirtyWhenContentMovedOn(t *testing.T) {
	s := testStore(t)
	pushed := []byte("pushed snapshot")
	_, _ = s.Upsert("a.md", pushed)
	// A newer local edit lands while the push is in flight.
	_, _ = s.Upsert("a.md", []byte("newer edit"))

	_ = s.MarkSynced("a.md", checksum.Sum(pushed), 2)
	n, _ := s.Meta("a.md")
	if !n.IsDirty {
		t.Error("dirty flag must survive when the vault moved past the pushed snapshot")
	}
}

func TestUpsert_RewritingSyncedContentStaysClean(t *testing.T) {
	s := testStore(t)
	content := []byte("stable")
	_, _ = s.Upsert("a.md", content)
	_ = s.MarkSynced("a.md", checksum.Sum(content), 1)

	n, err := s.Upsert("a.md", content)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n.IsDirty {
		t.Error("rewriting identical content must not set dirty")
	}
}

func TestBacklinks_DerivedAndCycleSafe(t *testing.T) {
	s := testStore(t)
	// a → b → a is a cycle; backlinks are an adjacency lookup, not a walk.
	_, _ = s.Upsert("a.md", []byte("links to [[b.md]]"))
	_, _ = s.Upsert("b.md", []byte("links back to [[a.md]]"))

	bl, err := s.Backlinks("a.md")
	if err != nil {
		t.Fatalf("Backlinks: %v", err)
	}
	if len(bl) != 1 || bl[0] != "b.md" {
		t.Errorf("backlinks = %v, want [b.md]", bl)
	}

	// Removing the link updates the reverse edge set on next read.
	_, _ = s.Upsert("b.md", []byte("no links now"))
	bl, _ = s.Backlinks("a.md")
	if len(bl) != 0 {
		t.Errorf("backlinks = %v, want none after edit", bl)
	}
}

func TestDelete_RemovesNoteAndLinks(t *testing.T) {
	s := testStore(t)
	_, _ = s.Upsert("a.md", []byte("see [[b.md]]"))

	if err := s.Delete("a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Meta("a.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	bl, _ := s.Backlinks("b.md")
	if len(bl) != 0 {
		t.Errorf("links should be gone, got %v", bl)
	}
}

func TestApplyRemote_OverwritesLocal(t *testing.T) {
	s := testStore(t)
	_, _ = s.Upsert("a.md", []byte("local draft"))

	remote := []byte("# Server\nauthoritative")
	err := s.ApplyRemote(models.RemoteNote{
		Path:        "a.md",
		Content:     remote,
		Checksum:    checksum.Sum(remote),
		SyncVersion: 7,
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}

	n, err := s.Get("a.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(n.Content) != string(remote) {
		t.Errorf("content = %q", n.Content)
	}
	if n.IsDirty {
		t.Error("remote overwrite must leave note clean")
	}
	if n.SyncVersion != 7 {
		t.Errorf("sync version = %d, want 7", n.SyncVersion)
	}
}

func TestApplyRemote_Delete(t *testing.T) {
	s := testStore(t)
	_, _ = s.Upsert("gone.md", []byte("x"))
	if err := s.ApplyRemote(models.RemoteNote{Path: "gone.md", Deleted: true}); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	if _, err := s.Meta("gone.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListDirtyAndCount(t *testing.T) {
	s := testStore(t)
	_, _ = s.Upsert("a.md", []byte("one"))
	_, _ = s.Upsert("b.md", []byte("two"))
	clean := []byte("clean")
	_, _ = s.Upsert("c.md", clean)
	_ = s.MarkSynced("c.md", checksum.Sum(clean), 1)

	dirty, err := s.ListDirty()
	if err != nil {
		t.Fatalf("ListDirty: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("dirty = %d, want 2", len(dirty))
	}
	count, _ := s.DirtyCount()
	if count != 2 {
		t.Errorf("DirtyCount = %d, want 2", count)
	}
}

func TestSupersededSnapshots(t *testing.T) {
	s := testStore(t)
	edited := time.Now().Add(-time.Minute)
	if err := s.SaveSuperseded("a.md", []byte("lost edit"), edited); err != nil {
		t.Fatalf("SaveSuperseded: %v", err)
	}
	snaps, err := s.ListSuperseded("a.md")
	if err != nil {
		t.Fatalf("ListSuperseded: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if string(snaps[0].Content) != "lost edit" {
		t.Errorf("content = %q", snaps[0].Content)
	}
}

func TestMeta_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Meta("missing.md")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	var sqlErr error = sql.ErrNoRows
	if errors.Is(err, sqlErr) {
		t.Error("sql.ErrNoRows must not leak out of the store")
	}
}
