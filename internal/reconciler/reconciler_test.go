package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/localdb"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/notestore"
	"github.com/starford/raido/internal/queue"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/supervisor"
	"github.com/starford/raido/internal/transport"
)

// fakeClient is a scriptable transport.Client shared with the supervisor.
type fakeClient struct {
	mu       sync.Mutex
	identity string
	pullFn   func(since *time.Time) ([]models.RemoteNote, error)
	pushFn   func(req transport.PushRequest) (transport.PushResult, error)
	pushed   []transport.PushRequest
}

func (f *fakeClient) Handshake(context.Context) (string, error) { return f.identity, nil }
func (f *fakeClient) Probe(context.Context) error               { return nil }

func (f *fakeClient) Pull(_ context.Context, since *time.Time) ([]models.RemoteNote, error) {
	if f.pullFn == nil {
		return nil, nil
	}
	return f.pullFn(since)
}

func (f *fakeClient) Push(_ context.Context, req transport.PushRequest) (transport.PushResult, error) {
	f.mu.Lock()
	f.pushed = append(f.pushed, req)
	f.mu.Unlock()
	if f.pushFn == nil {
		return transport.PushResult{Accepted: true, SyncVersion: 1, UpdatedAt: time.Now()}, nil
	}
	return f.pushFn(req)
}

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type env struct {
	store  *notestore.Store
	queue  *queue.Queue
	sup    *supervisor.Supervisor
	client *fakeClient
	rec    *Reconciler
	events []string
}

func testEnv(t *testing.T) *env {
	t.Helper()
	f, err := os.CreateTemp("", "raido-rec-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	conn, err := localdb.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	vault, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := notestore.New(conn, vault)
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(conn, queue.Config{MaxRetries: 5, BackoffBase: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &fakeClient{identity: "fp"}
	sup := supervisor.New(
		func(models.ServerConnection) transport.Client { return client },
		nil, supervisor.Config{FailureThreshold: 3}, logger, nil)

	e := &env{store: store, queue: q, sup: sup, client: client}
	e.rec = New(store, q, sup, nil, Config{BatchSize: 10}, logger,
		func(kind, path string) { e.events = append(e.events, kind+":"+path) })
	return e
}

func (e *env) connect(t *testing.T) {
	t.Helper()
	if err := e.sup.Connect(context.Background(), models.ServerConnection{URL: "https://srv"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// edit simulates the user-edit path: store upsert plus queue enqueue.
func (e *env) edit(t *testing.T, path string, content []byte) {
	t.Helper()
	n, err := e.store.Upsert(path, content)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	var item queue.Item
	if n.Checksum == "" {
		item = queue.Create(path, content)
	} else {
		item = queue.Update(path, content, n.SyncVersion)
	}
	if err := e.queue.Enqueue(item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestSync_NoOpUnlessConnected(t *testing.T) {
	e := testEnv(t)
	e.edit(t, "a.md", []byte("offline edit"))

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if e.client.pushCount() != 0 {
		t.Error("no pushes may happen while disconnected")
	}
	n, _ := e.queue.Len()
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestSync_PushAcceptedClearsDirty(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	content := []byte("# Note\nbody")
	e.edit(t, "a.md", content)

	e.client.pushFn = func(req transport.PushRequest) (transport.PushResult, error) {
		if req.Operation != "create" || req.ExpectedSyncVersion != 0 {
			t.Errorf("request = %+v", req)
		}
		return transport.PushResult{Accepted: true, SyncVersion: 1, UpdatedAt: time.Now()}, nil
	}

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	n, _ := e.store.Meta("a.md")
	if n.IsDirty {
		t.Error("accepted push must clear the dirty flag")
	}
	if n.SyncVersion != 1 || n.Checksum != checksum.Sum(content) {
		t.Errorf("meta = %+v", n)
	}
	pending, _ := e.queue.Len()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
	if e.sup.LastSyncAt() == nil {
		t.Error("completed cycle should record lastSyncAt")
	}
}

func TestSync_PullAppliesRemoteWhenClean(t *testing.T) {
	e := testEnv(t)
	e.connect(t)

	remote := []byte("# Remote\nnew note")
	e.client.pullFn = func(*time.Time) ([]models.RemoteNote, error) {
		return []models.RemoteNote{{
			Path: "r.md", Content: remote, Checksum: checksum.Sum(remote),
			SyncVersion: 3, UpdatedAt: time.Now(),
		}}, nil
	}

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	n, err := e.store.Get("r.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(n.Content) != string(remote) || n.SyncVersion != 3 || n.IsDirty {
		t.Errorf("note = %+v", n)
	}
}

func TestSync_ConflictLocalNewerRetagsAndLands(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	e.edit(t, "a.md", []byte("local, newer"))

	serverAt := time.Now().Add(-time.Hour) // server copy is older
	conflicted := false
	e.client.pushFn = func(req transport.PushRequest) (transport.PushResult, error) {
		if !conflicted {
			conflicted = true
			return transport.PushResult{}, &apperr.VersionConflict{
				Path: "a.md", ServerVersion: 6, ServerUpdatedAt: serverAt,
				ServerContent: []byte("server copy"),
			}
		}
		if req.ExpectedSyncVersion != 6 {
			t.Errorf("retry tagged v%d, want 6", req.ExpectedSyncVersion)
		}
		return transport.PushResult{Accepted: true, SyncVersion: 7, UpdatedAt: time.Now()}, nil
	}

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if e.client.pushCount() != 2 {
		t.Errorf("pushes = %d, want retag + one retry", e.client.pushCount())
	}
	n, _ := e.store.Meta("a.md")
	if n.SyncVersion != 7 {
		t.Errorf("sync version = %d, want 7", n.SyncVersion)
	}
}

func TestSync_ConflictServerNewerSupersedesLocal(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	mine := []byte("my losing edit")
	e.edit(t, "a.md", mine)

	serverContent := []byte("# Server\nwinning copy")
	e.client.pushFn = func(transport.PushRequest) (transport.PushResult, error) {
		return transport.PushResult{}, &apperr.VersionConflict{
			Path: "a.md", ServerVersion: 6,
			ServerUpdatedAt: time.Now().Add(time.Hour), // server copy is newer
			ServerContent:   serverContent,
		}
	}

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	n, _ := e.store.Get("a.md")
	if string(n.Content) != string(serverContent) {
		t.Errorf("content = %q, want server copy", n.Content)
	}
	if n.IsDirty || n.SyncVersion != 6 {
		t.Errorf("meta = %+v", n)
	}

	// The losing edit is preserved, not silently lost.
	snaps, _ := e.store.ListSuperseded("a.md")
	if len(snaps) != 1 || string(snaps[0].Content) != string(mine) {
		t.Fatalf("snapshots = %+v", snaps)
	}
	pending, _ := e.queue.Len()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}

	found := false
	for _, ev := range e.events {
		if ev == "sync.superseded:a.md" {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want superseded notification", e.events)
	}
}

func TestSync_SecondConflictResolvesServerWins(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	e.edit(t, "a.md", []byte("local, newer"))

	// The server keeps conflicting even though the local edit is newer.
	version := int64(5)
	e.client.pushFn = func(transport.PushRequest) (transport.PushResult, error) {
		version++
		return transport.PushResult{}, &apperr.VersionConflict{
			Path: "a.md", ServerVersion: version,
			ServerUpdatedAt: time.Now().Add(-time.Hour),
			ServerContent:   []byte("server copy"),
		}
	}

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// Exactly two pushes: original plus one retry, then server-wins.
	if e.client.pushCount() != 2 {
		t.Errorf("pushes = %d, want 2 (terminating)", e.client.pushCount())
	}
	pending, _ := e.queue.Len()
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
	snaps, _ := e.store.ListSuperseded("a.md")
	if len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1", len(snaps))
	}
}

func TestSync_NetworkFailureAbortsCycleFailsInflightOnly(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	e.edit(t, "a.md", []byte("a"))
	e.edit(t, "b.md", []byte("b"))
	e.edit(t, "c.md", []byte("c"))

	calls := 0
	e.client.pushFn = func(transport.PushRequest) (transport.PushResult, error) {
		calls++
		if calls == 2 {
			return transport.PushResult{}, &apperr.NetworkError{Op: "push", Err: errors.New("reset")}
		}
		return transport.PushResult{Accepted: true, SyncVersion: 1, UpdatedAt: time.Now()}, nil
	}

	if err := e.rec.Sync(context.Background()); err == nil {
		t.Fatal("expected cycle abort")
	}
	if calls != 2 {
		t.Errorf("pushes = %d, want abort after the failure", calls)
	}

	// a.md acked; b.md failed once; c.md untouched and still pending.
	b, _ := e.queue.Pending("b.md")
	if b == nil || b.RetryCount != 1 {
		t.Errorf("b.md item = %+v, want retryCount 1", b)
	}
	c, _ := e.queue.Pending("c.md")
	if c == nil || c.RetryCount != 0 {
		t.Errorf("c.md item = %+v, want untouched", c)
	}
}

func TestSync_GateDenialDefersWithoutFailing(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	e.edit(t, "a.md", []byte("a"))

	denied := gateFunc(func(_ context.Context, op string) bool { return false })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := New(e.store, e.queue, e.sup, denied, Config{BatchSize: 10}, logger, nil)

	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if e.client.pushCount() != 0 {
		t.Error("denied gate must defer all network calls")
	}
	item, _ := e.queue.Pending("a.md")
	if item == nil || item.RetryCount != 0 {
		t.Errorf("item = %+v, deferral must not charge retries", item)
	}

	// Once the gate reopens, the deferred item goes out on the next cycle.
	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync after gate reopened: %v", err)
	}
	if e.client.pushCount() != 1 {
		t.Errorf("pushes after gate reopened = %d, want 1", e.client.pushCount())
	}
	if item, _ := e.queue.Pending("a.md"); item != nil {
		t.Errorf("item still pending after push: %+v", item)
	}
}

func TestSync_DemotedSupervisorStopsPushes(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	e.edit(t, "a.md", []byte("a"))

	probeErr := &apperr.NetworkError{Op: "probe", Err: errors.New("down")}
	e.sup.RecordProbe(probeErr)
	e.sup.RecordProbe(probeErr)
	e.sup.RecordProbe(probeErr)

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if e.client.pushCount() != 0 {
		t.Error("no pushes after demotion until reconnected")
	}
}

func TestSync_ReacknowledgedPushIsIdempotent(t *testing.T) {
	e := testEnv(t)
	e.connect(t)
	content := []byte("stable")
	e.edit(t, "a.md", content)

	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	before, _ := e.store.Meta("a.md")

	// A second cycle with nothing pending changes no state.
	if err := e.rec.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	after, _ := e.store.Meta("a.md")
	if before.SyncVersion != after.SyncVersion || before.Checksum != after.Checksum {
		t.Errorf("state changed: %+v vs %+v", before, after)
	}
	if e.client.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", e.client.pushCount())
	}
}

// gateFunc adapts a func to transport.Gate.
type gateFunc func(ctx context.Context, op string) bool

func (f gateFunc) Allow(ctx context.Context, op string) bool { return f(ctx, op) }
