package queue

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/starford/raido/internal/localdb"
)

func testQueue(t *testing.T, cfg Config, onDead DeadLetterFunc) *Queue {
	t.Helper()
	f, err := os.CreateTemp("", "raido-queue-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	conn, err := localdb.Open(f.Name())
	if err != nil {
		t.Fatalf("localdb.Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	q, err := New(conn, cfg, onDead)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestCoalescing_OnePendingItemPerPath(t *testing.T) {
	q := testQueue(t, Config{}, nil)

	// Any sequence of edits on one path leaves exactly one pending item.
	_ = q.Enqueue(Create("a.md", []byte("v1")))
	_ = q.Enqueue(Update("a.md", []byte("v2"), 0))
	_ = q.Enqueue(Update("a.md", []byte("v3"), 0))

	n, _ := q.Len()
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	item, _ := q.Pending("a.md")
	if item.Op != OpCreate {
		t.Errorf("op = %v, want create kept after updates", item.Op)
	}
	if string(item.Payload) != "v3" {
		t.Errorf("payload = %q, want latest", item.Payload)
	}
}

func TestCoalescing_CreateThenDeleteCancels(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Create("a.md", []byte("v1")))
	if err := q.Enqueue(Delete("a.md", 0)); err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}
	n, _ := q.Len()
	if n != 0 {
		t.Errorf("pending = %d, want 0 after cancel", n)
	}
}

func TestCoalescing_UpdateThenDeleteEscalates(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Update("a.md", []byte("v1"), 3))
	_ = q.Enqueue(Delete("a.md", 3))

	item, _ := q.Pending("a.md")
	if item.Op != OpDelete {
		t.Errorf("op = %v, want delete", item.Op)
	}
	if item.Payload != nil {
		t.Error("delete must not carry a payload")
	}
}

func TestCoalescing_AfterDeleteRejected(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Update("a.md", []byte("v1"), 1))
	_ = q.Enqueue(Delete("a.md", 1))

	err := q.Enqueue(Create("a.md", []byte("v2")))
	if !errors.Is(err, ErrDeletePending) {
		t.Errorf("err = %v, want ErrDeletePending", err)
	}
}

func TestPeekBatch_OldestFirstSkipsInflight(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Create("a.md", []byte("a")))
	_ = q.Enqueue(Create("b.md", []byte("b")))
	_ = q.Enqueue(Create("c.md", []byte("c")))

	first, err := q.PeekBatch(2)
	if err != nil {
		t.Fatalf("PeekBatch: %v", err)
	}
	if len(first) != 2 || first[0].Path != "a.md" || first[1].Path != "b.md" {
		t.Fatalf("first batch = %+v", first)
	}

	// Paths from the first batch are in flight; only c.md is visible.
	second, _ := q.PeekBatch(10)
	if len(second) != 1 || second[0].Path != "c.md" {
		t.Fatalf("second batch = %+v", second)
	}
}

func TestAck_RemovesItem(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Create("a.md", []byte("a")))
	batch, _ := q.PeekBatch(1)

	if err := q.Ack(batch[0].ID, batch[0].Revision); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	n, _ := q.Len()
	if n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	// Ack is idempotent.
	if err := q.Ack(batch[0].ID, batch[0].Revision); err != nil {
		t.Errorf("second Ack: %v", err)
	}
}

func TestAck_KeepsItemCoalescedMidFlight(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Create("a.md", []byte("v1")))
	batch, _ := q.PeekBatch(1)

	// A newer edit lands while the push is in flight.
	_ = q.Enqueue(Update("a.md", []byte("v2"), 0))

	_ = q.Ack(batch[0].ID, batch[0].Revision)
	item, _ := q.Pending("a.md")
	if item == nil {
		t.Fatal("coalesced item must survive the stale ack")
	}
	if string(item.Payload) != "v2" {
		t.Errorf("payload = %q, want the newer edit", item.Payload)
	}
}

func TestFail_BacksOffExponentially(t *testing.T) {
	q := testQueue(t, Config{MaxRetries: 5, BackoffBase: 2 * time.Second, BackoffCap: time.Minute}, nil)
	base := time.Now()
	q.now = func() time.Time { return base }

	_ = q.Enqueue(Create("a.md", []byte("a")))
	batch, _ := q.PeekBatch(1)
	id := batch[0].ID

	_ = q.Fail(id, "network")

	// Still backing off: invisible now, visible after the delay.
	if items, _ := q.PeekBatch(1); len(items) != 0 {
		t.Fatal("item should be waiting out its backoff")
	}
	q.now = func() time.Time { return base.Add(3 * time.Second) }
	items, _ := q.PeekBatch(1)
	if len(items) != 1 {
		t.Fatal("item should be retryable after the backoff delay")
	}
	if items[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", items[0].RetryCount)
	}
}

func TestFail_RetryCeilingMovesToDeadLetter(t *testing.T) {
	var dead []Item
	q := testQueue(t, Config{MaxRetries: 5, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond},
		func(item Item, reason string) { dead = append(dead, item) })
	base := time.Now()
	tick := 0
	q.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	_ = q.Enqueue(Create("a.md", []byte("a")))

	// Five failures are retried; the sixth buries the item.
	for i := 0; i < 6; i++ {
		batch, _ := q.PeekBatch(1)
		if len(batch) != 1 {
			t.Fatalf("attempt %d: batch = %+v", i, batch)
		}
		_ = q.Fail(batch[0].ID, "still down")
	}

	n, _ := q.Len()
	if n != 0 {
		t.Errorf("pending = %d, want 0 after dead-letter", n)
	}
	if len(dead) != 1 || dead[0].Path != "a.md" {
		t.Fatalf("dead-letter callback = %+v", dead)
	}
	records, _ := q.DeadLetters()
	if len(records) != 1 || records[0].RetryCount != 5 {
		t.Fatalf("dead letters = %+v", records)
	}
	// Never retried a sixth time.
	if batch, _ := q.PeekBatch(1); len(batch) != 0 {
		t.Error("dead item must not reappear in the queue")
	}
}

func TestRetag_MarksConflictRetried(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Update("a.md", []byte("mine"), 5))
	batch, _ := q.PeekBatch(1)

	if err := q.Retag(batch[0].ID, 6); err != nil {
		t.Fatalf("Retag: %v", err)
	}
	item, _ := q.Pending("a.md")
	if item.BaseVersion != 6 {
		t.Errorf("base version = %d, want 6", item.BaseVersion)
	}
	if !item.ConflictRetried {
		t.Error("conflict-retried marker not set")
	}
	if item.RetryCount != 0 {
		t.Error("conflicts must not count against the retry ceiling")
	}
}

func TestResetInflight_ReleasesPaths(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Create("a.md", []byte("a")))
	_, _ = q.PeekBatch(1)

	if batch, _ := q.PeekBatch(1); len(batch) != 0 {
		t.Fatal("in-flight path should be hidden")
	}
	q.ResetInflight()
	batch, _ := q.PeekBatch(1)
	if len(batch) != 1 {
		t.Error("item should be visible again after reset")
	}
}

func TestPerPathOrdering_PreservedAcrossCoalesce(t *testing.T) {
	q := testQueue(t, Config{}, nil)
	_ = q.Enqueue(Create("a.md", []byte("a1")))
	_ = q.Enqueue(Create("b.md", []byte("b1")))
	// Coalescing a.md must not move it behind b.md.
	_ = q.Enqueue(Update("a.md", []byte("a2"), 0))

	batch, _ := q.PeekBatch(2)
	if batch[0].Path != "a.md" || batch[1].Path != "b.md" {
		t.Errorf("order = %s, %s; want a.md first", batch[0].Path, batch[1].Path)
	}
}
