// Package reconciler runs the sync loop: it pulls remote changes, resolves
// divergence against local state, and drains the outbound change queue.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/checksum"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/notestore"
	"github.com/starford/raido/internal/queue"
	"github.com/starford/raido/internal/supervisor"
	"github.com/starford/raido/internal/transport"
)

// EventFunc observes per-note sync outcomes ("note.synced", "sync.conflict",
// "sync.superseded") for UI notification.
type EventFunc func(kind, path string)

// Config holds sync-cycle tuning.
type Config struct {
	Interval  time.Duration // periodic cycle trigger
	BatchSize int           // max queue items pushed per cycle
}

// Reconciler drives one reconciliation cycle at a time for one connection.
type Reconciler struct {
	store   *notestore.Store
	queue   *queue.Queue
	sup     *supervisor.Supervisor
	gate    transport.Gate
	cfg     Config
	logger  *slog.Logger
	onEvent EventFunc

	trigger chan struct{}
	cycling chan struct{} // size-1 token: cycles never overlap
}

// New creates a Reconciler.
func New(store *notestore.Store, q *queue.Queue, sup *supervisor.Supervisor,
	gate transport.Gate, cfg Config, logger *slog.Logger, onEvent EventFunc) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if gate == nil {
		gate = transport.AllowAll{}
	}
	r := &Reconciler{
		store:   store,
		queue:   q,
		sup:     sup,
		gate:    gate,
		cfg:     cfg,
		logger:  logger,
		onEvent: onEvent,
		trigger: make(chan struct{}, 1),
		cycling: make(chan struct{}, 1),
	}
	r.cycling <- struct{}{}
	return r
}

// Trigger requests a sync cycle outside the periodic schedule (reconnect,
// user demand). Coalesces if one is already requested.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run executes sync cycles on the configured interval and on demand until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if err := r.Sync(ctx); err != nil {
			r.logger.Warn("reconciler: cycle aborted", slog.String("error", err.Error()))
		}
	}
}

// Sync runs one reconciliation cycle: pull remote changes, then drain a
// batch from the queue. It is a no-op unless the supervisor is connected.
// A network failure aborts the remainder of the cycle; only the in-flight
// item is failed, everything else stays pending.
func (r *Reconciler) Sync(ctx context.Context) error {
	select {
	case <-r.cycling:
	default:
		return nil // a cycle is already running
	}
	defer func() { r.cycling <- struct{}{} }()

	client, ok := r.sup.Client()
	if !ok {
		return nil
	}

	cycleStart := time.Now()

	if err := r.pull(ctx, client); err != nil {
		r.queue.ResetInflight()
		return err
	}
	if err := r.drain(ctx, client); err != nil {
		r.queue.ResetInflight()
		return err
	}

	r.sup.MarkSynced(cycleStart)
	return nil
}

// pull fetches the remote delta and applies each note, routing dirty-path
// collisions through the conflict policy.
func (r *Reconciler) pull(ctx context.Context, client transport.Client) error {
	if !r.gate.Allow(ctx, "pull") {
		return nil // deferred to the next tick
	}

	notes, err := client.Pull(ctx, r.sup.LastSyncAt())
	if err != nil {
		return r.absorb("pull", err)
	}

	for _, remote := range notes {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, err := r.store.Meta(remote.Path)
		switch {
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return err

		case err == nil && meta.IsDirty:
			if err := r.pullConflict(remote, meta); err != nil {
				return err
			}

		default:
			if err := r.store.ApplyRemote(remote); err != nil {
				return fmt.Errorf("reconciler: apply remote %s: %w", remote.Path, err)
			}
			r.emit("note.synced", remote.Path)
		}
	}
	return nil
}

// pullConflict resolves a remote change racing a dirty local note.
// Last-writer-wins by updatedAt; the server wins ties.
func (r *Reconciler) pullConflict(remote models.RemoteNote, local *models.LocalNote) error {
	r.emit("sync.conflict", remote.Path)

	if local.UpdatedAt.After(remote.UpdatedAt) {
		// Local edit is strictly newer: keep it, but re-tag the pending
		// push with the server's current version so it can land.
		pending, err := r.queue.Pending(remote.Path)
		if err != nil {
			return err
		}
		if pending != nil {
			return r.queue.Retag(pending.ID, remote.SyncVersion)
		}
		return nil
	}

	// Server wins: preserve the losing local edit, then overwrite.
	if err := r.supersede(remote.Path, local.UpdatedAt); err != nil {
		return err
	}
	if err := r.store.ApplyRemote(remote); err != nil {
		return err
	}
	pending, err := r.queue.Pending(remote.Path)
	if err != nil {
		return err
	}
	if pending != nil {
		if err := r.queue.Resolve(pending.ID); err != nil {
			return err
		}
	}
	r.emit("sync.superseded", remote.Path)
	return nil
}

// supersede snapshots the current local content of path before it is
// overwritten by a winning server copy.
func (r *Reconciler) supersede(path string, localAt time.Time) error {
	note, err := r.store.Get(path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	return r.store.SaveSuperseded(path, note.Content, localAt)
}

// drain pushes a batch of queue items. A gate denial defers the rest of the
// batch; a network error fails the in-flight item and aborts the cycle.
func (r *Reconciler) drain(ctx context.Context, client transport.Client) error {
	batch, err := r.queue.PeekBatch(r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, item := range batch {
		if _, connected := r.sup.Client(); !connected {
			// Demoted mid-cycle: abort wholesale, items stay pending.
			return fmt.Errorf("reconciler: connection lost mid-cycle")
		}
		if !r.gate.Allow(ctx, "push") {
			// Remaining items are deferred to the next tick. Release their
			// in-flight marks or no later cycle will ever peek them.
			r.queue.ResetInflight()
			return nil
		}
		if err := r.pushItem(ctx, client, item); err != nil {
			return err
		}
	}
	return nil
}

// pushItem pushes one item, following the conflict policy: a conflict the
// local side wins is re-tagged and retried once within the cycle; a second
// conflict resolves server-wins so the loop always terminates.
func (r *Reconciler) pushItem(ctx context.Context, client transport.Client, item queue.Item) error {
	for {
		res, err := client.Push(ctx, transport.PushRequestFor(item, item.BaseVersion))
		if err == nil {
			return r.acked(item, res)
		}

		if vc, ok := apperr.AsConflict(err); ok {
			retry, err := r.pushConflict(item, vc)
			if err != nil {
				return err
			}
			if !retry {
				return nil
			}
			fresh, err := r.queue.Pending(item.Path)
			if err != nil {
				return err
			}
			if fresh == nil {
				return nil
			}
			item = *fresh
			continue
		}

		return r.absorbItem(item, err)
	}
}

// acked finalizes a server-accepted push.
func (r *Reconciler) acked(item queue.Item, res transport.PushResult) error {
	if err := r.queue.Ack(item.ID, item.Revision); err != nil {
		return err
	}
	if item.Op != queue.OpDelete {
		if err := r.store.MarkSynced(item.Path, checksum.Sum(item.Payload), res.SyncVersion); err != nil {
			return err
		}
	}
	r.emit("note.synced", item.Path)
	return nil
}

// pushConflict applies the conflict policy to a rejected push. The bool
// result requests an immediate single retry.
func (r *Reconciler) pushConflict(item queue.Item, vc *apperr.VersionConflict) (bool, error) {
	r.emit("sync.conflict", item.Path)

	localAt := item.CreatedAt
	if meta, err := r.store.Meta(item.Path); err == nil {
		localAt = meta.UpdatedAt
	}

	if localAt.After(vc.ServerUpdatedAt) && !item.ConflictRetried {
		if err := r.queue.Retag(item.ID, vc.ServerVersion); err != nil {
			return false, err
		}
		return true, nil
	}

	// Server wins (older local edit, tie, or second conflict): preserve the
	// losing payload, adopt the server copy, and drop the item.
	if item.Payload != nil {
		if err := r.store.SaveSuperseded(item.Path, item.Payload, localAt); err != nil {
			return false, err
		}
	}
	if err := r.store.ApplyRemote(models.RemoteNote{
		Path:        item.Path,
		Content:     vc.ServerContent,
		Checksum:    checksum.Sum(vc.ServerContent),
		SyncVersion: vc.ServerVersion,
		UpdatedAt:   vc.ServerUpdatedAt,
	}); err != nil {
		return false, err
	}
	if err := r.queue.Resolve(item.ID); err != nil {
		return false, err
	}
	r.emit("sync.superseded", item.Path)
	return false, nil
}

// absorb routes a pull/probe-level transport error: auth errors demote the
// supervisor, transient errors bubble up to abort the cycle.
func (r *Reconciler) absorb(op string, err error) error {
	if errors.Is(err, apperr.ErrAuth) {
		r.sup.RecordProbe(err)
		return fmt.Errorf("reconciler: %s: %w", op, err)
	}
	return fmt.Errorf("reconciler: %s: %w", op, err)
}

// absorbItem routes a push error for one item: transient failures are
// charged to that item's retry budget only, then the cycle aborts.
func (r *Reconciler) absorbItem(item queue.Item, err error) error {
	if errors.Is(err, apperr.ErrAuth) {
		r.sup.RecordProbe(err)
		return fmt.Errorf("reconciler: push %s: %w", item.Path, err)
	}
	if apperr.IsNetwork(err) {
		if failErr := r.queue.Fail(item.ID, err.Error()); failErr != nil {
			return failErr
		}
	}
	return fmt.Errorf("reconciler: push %s: %w", item.Path, err)
}

func (r *Reconciler) emit(kind, path string) {
	if r.onEvent != nil {
		r.onEvent(kind, path)
	}
}
