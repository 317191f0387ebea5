package noteservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/notestore"
	"github.com/starford/raido/internal/queue"
	"github.com/starford/raido/internal/testutil"
)

func testService(t *testing.T) (*Service, *queue.Queue, string) {
	t.Helper()
	conn := testutil.TestDB(t)
	root, vault := testutil.TestVault(t)
	store, err := notestore.New(conn, vault)
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(conn, queue.Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(vault, store, q, testutil.Logger(), nil), q, root
}

func TestSave_NewNoteEnqueuesCreate(t *testing.T) {
	svc, q, _ := testService(t)

	note, err := svc.Save(context.Background(), "a.md", []byte("# A"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !note.IsDirty {
		t.Error("new note must be dirty")
	}

	item, err := q.Pending("a.md")
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.Op != queue.OpCreate {
		t.Fatalf("pending = %+v, want create", item)
	}
}

func TestSave_SyncedNoteEnqueuesUpdateWithBaseVersion(t *testing.T) {
	svc, q, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "a.md", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	markPushed(t, svc, q, "a.md", []byte("v1"), 4)

	if _, err := svc.Save(ctx, "a.md", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	item, _ := q.Pending("a.md")
	if item == nil || item.Op != queue.OpUpdate || item.BaseVersion != 4 {
		t.Fatalf("pending = %+v, want update tagged v4", item)
	}
}

func TestSave_CleanSaveQueuesNothing(t *testing.T) {
	svc, q, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "a.md", []byte("stable")); err != nil {
		t.Fatal(err)
	}
	markPushed(t, svc, q, "a.md", []byte("stable"), 1)

	// Re-saving identical content queues nothing.
	if _, err := svc.Save(ctx, "a.md", []byte("stable")); err != nil {
		t.Fatal(err)
	}
	if item, _ := q.Pending("a.md"); item != nil {
		t.Errorf("pending = %+v, want none", item)
	}
}

func TestDelete_UnsyncedNoteCancelsPendingCreate(t *testing.T) {
	svc, q, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "a.md", []byte("never synced")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Create + delete coalesce to nothing; the server never hears of it.
	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if _, err := svc.Get(ctx, "a.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestDelete_SyncedNoteEnqueuesDelete(t *testing.T) {
	svc, q, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "a.md", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	markPushed(t, svc, q, "a.md", []byte("v1"), 2)

	if err := svc.Delete(ctx, "a.md"); err != nil {
		t.Fatal(err)
	}
	item, _ := q.Pending("a.md")
	if item == nil || item.Op != queue.OpDelete || item.BaseVersion != 2 {
		t.Fatalf("pending = %+v, want delete tagged v2", item)
	}
	if item.Payload != nil {
		t.Error("delete carries no payload")
	}
}

func TestRescan_AbsorbsChangedAndRemovesStale(t *testing.T) {
	svc, q, _ := testService(t)
	ctx := context.Background()

	if _, err := svc.Save(ctx, "keep.md", []byte("unchanged")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Save(ctx, "gone.md", []byte("doomed")); err != nil {
		t.Fatal(err)
	}

	// External actors: one file appears, one changes, one disappears.
	if err := svc.vault.Write("new.md", []byte("dropped in")); err != nil {
		t.Fatal(err)
	}
	if err := svc.vault.Delete("gone.md"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}

	if _, err := svc.Get(ctx, "new.md"); err != nil {
		t.Errorf("new.md not absorbed: %v", err)
	}
	if _, err := svc.Get(ctx, "gone.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("gone.md still present: %v", err)
	}
	if item, _ := q.Pending("new.md"); item == nil || item.Op != queue.OpCreate {
		t.Errorf("new.md pending = %+v, want create", item)
	}
}

func TestWatch_AbsorbsExternalWriteAndSkipsEcho(t *testing.T) {
	svc, q, root := testService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Watch(ctx, svc, root, testutil.Logger()); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// An external write shows up in the store and the queue.
	if err := svc.vault.Write("ext.md", []byte("# External")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, err := svc.store.Meta("ext.md")
		return err == nil
	})
	if item, _ := q.Pending("ext.md"); item == nil {
		t.Error("external write not queued")
	}

	// Content the store already holds is an echo and queues nothing new.
	if item, _ := q.Pending("ext.md"); item != nil {
		if err := q.Resolve(item.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.vault.Write("ext.md", []byte("# External")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if item, _ := q.Pending("ext.md"); item != nil {
		t.Errorf("echo re-queued: %+v", item)
	}

	cancel()
	<-done
}

// markPushed simulates a server-accepted push: the pending item is resolved
// and the note marked synced at the given version.
func markPushed(t *testing.T, svc *Service, q *queue.Queue, path string, content []byte, version int64) {
	t.Helper()
	if item, err := q.Pending(path); err != nil {
		t.Fatal(err)
	} else if item != nil {
		if err := q.Resolve(item.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.store.MarkSynced(path, checksum.Sum(content), version); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
