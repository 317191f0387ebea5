// Package queue implements the durable outbound change queue: an ordered,
// coalescing log of local mutations waiting to be pushed to the server.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	path             TEXT NOT NULL UNIQUE,
	operation        INTEGER NOT NULL,
	payload          BLOB,
	base_version     INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	conflict_retried INTEGER NOT NULL DEFAULT 0,
	revision         INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	next_attempt_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_id    INTEGER NOT NULL,
	path        TEXT NOT NULL,
	operation   INTEGER NOT NULL,
	payload     BLOB,
	retry_count INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	dead_at     DATETIME NOT NULL
);
`

// Operation is the kind of mutation an Item carries.
type Operation int

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// MarshalJSON renders the operation as its wire name.
func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.String())
}

// ErrDeletePending is returned when a mutation arrives for a path whose
// delete has not been acknowledged yet.
var ErrDeletePending = errors.New("queue: delete pending for path")

// Item is one pending mutation. Items are built through the constructor
// funcs below so a delete can never carry a payload.
type Item struct {
	ID              int64
	Path            string
	Op              Operation
	Payload         []byte // content snapshot at enqueue time; nil for delete
	BaseVersion     int64  // last-known server syncVersion at enqueue time
	RetryCount      int
	ConflictRetried bool
	Revision        int64 // bumped on every coalesce; guards Ack against lost edits
	CreatedAt       time.Time
}

// Create builds a create mutation with a content snapshot.
func Create(path string, payload []byte) Item {
	return Item{Path: path, Op: OpCreate, Payload: payload}
}

// Update builds an update mutation with a content snapshot and the
// last-known server version for the path.
func Update(path string, payload []byte, baseVersion int64) Item {
	return Item{Path: path, Op: OpUpdate, Payload: payload, BaseVersion: baseVersion}
}

// Delete builds a delete mutation. It carries no payload by construction.
func Delete(path string, baseVersion int64) Item {
	return Item{Path: path, Op: OpDelete, BaseVersion: baseVersion}
}

// DeadLetterFunc observes items that exhausted their retries.
type DeadLetterFunc func(item Item, reason string)

// Config holds queue retry tuning.
type Config struct {
	MaxRetries  int           // retry ceiling before dead-letter
	BackoffBase time.Duration // first retry delay; doubles per retry
	BackoffCap  time.Duration // upper bound on the computed delay
}

// Queue is the SQLite-backed change queue. In-flight bookkeeping is
// process-local: only one reconciler drains a queue at a time.
type Queue struct {
	conn *sql.DB
	cfg  Config

	mu       sync.Mutex
	inflight map[string]struct{}

	onDeadLetter DeadLetterFunc
	now          func() time.Time
}

// New creates a Queue over an open database connection and applies the schema.
func New(conn *sql.DB, cfg Config, onDeadLetter DeadLetterFunc) (*Queue, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	return &Queue{
		conn:         conn,
		cfg:          cfg,
		inflight:     make(map[string]struct{}),
		onDeadLetter: onDeadLetter,
		now:          time.Now,
	}, nil
}

// Enqueue records a mutation, coalescing it into any pending item for the
// same path:
//
//   - create followed by delete cancels both (the server never saw the note)
//   - update after create keeps the create with the latest payload
//   - update after update replaces the payload
//   - delete after update escalates the item to a delete
//   - anything after a pending delete is rejected with ErrDeletePending
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.pendingLocked(item.Path)
	if err != nil {
		return err
	}
	now := q.now()

	if existing == nil {
		_, err := q.conn.Exec(`
			INSERT INTO sync_queue (path, operation, payload, base_version, created_at, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.Path, item.Op, item.Payload, item.BaseVersion, now, now)
		if err != nil {
			return fmt.Errorf("queue: enqueue: %w", err)
		}
		return nil
	}

	switch existing.Op {
	case OpDelete:
		return fmt.Errorf("%w: %s", ErrDeletePending, item.Path)

	case OpCreate:
		if item.Op == OpDelete {
			// The note never reached the server; both mutations cancel out.
			return q.removeLocked(existing.ID)
		}
		return q.coalesceLocked(existing.ID, OpCreate, item.Payload, existing.BaseVersion)

	case OpUpdate:
		if item.Op == OpDelete {
			return q.coalesceLocked(existing.ID, OpDelete, nil, existing.BaseVersion)
		}
		return q.coalesceLocked(existing.ID, OpUpdate, item.Payload, existing.BaseVersion)
	}

	return fmt.Errorf("queue: unknown pending operation %d", existing.Op)
}

// coalesceLocked replaces the pending item's operation and payload in place,
// keeping its id (and therefore its position in per-path order) and bumping
// the revision so a racing Ack cannot drop the newer edit.
func (q *Queue) coalesceLocked(id int64, op Operation, payload []byte, baseVersion int64) error {
	_, err := q.conn.Exec(`
		UPDATE sync_queue SET operation = ?, payload = ?, base_version = ?, revision = revision + 1
		WHERE id = ?`, op, payload, baseVersion, id)
	if err != nil {
		return fmt.Errorf("queue: coalesce: %w", err)
	}
	return nil
}

func (q *Queue) removeLocked(id int64) error {
	if _, err := q.conn.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	return nil
}

// pendingLocked returns the pending item for path, or nil.
func (q *Queue) pendingLocked(path string) (*Item, error) {
	row := q.conn.QueryRow(`
		SELECT id, path, operation, payload, base_version, retry_count,
		       conflict_retried, revision, created_at
		FROM sync_queue WHERE path = ?`, path)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Pending returns the pending item for path, or nil if there is none.
func (q *Queue) Pending(path string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked(path)
}

// PeekBatch returns up to maxItems pending items, oldest first, skipping
// paths that are in flight or still waiting out their backoff delay.
// Returned items are marked in flight until Ack, Fail, or ResetInflight.
func (q *Queue) PeekBatch(maxItems int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxItems <= 0 {
		maxItems = 25
	}
	rows, err := q.conn.Query(`
		SELECT id, path, operation, payload, base_version, retry_count,
		       conflict_retried, revision, created_at
		FROM sync_queue WHERE next_attempt_at <= ? ORDER BY id LIMIT ?`,
		q.now(), maxItems+len(q.inflight))
	if err != nil {
		return nil, fmt.Errorf("queue: peek: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if _, busy := q.inflight[item.Path]; busy {
			continue
		}
		out = append(out, *item)
		q.inflight[item.Path] = struct{}{}
		if len(out) == maxItems {
			break
		}
	}
	return out, rows.Err()
}

// Ack removes an acknowledged item. If the item was coalesced with a newer
// edit while in flight (revision moved on), it stays pending so the newer
// payload is pushed on a later cycle.
func (q *Queue) Ack(id int64, revision int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var path string
	err := q.conn.QueryRow(`SELECT path FROM sync_queue WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // already gone; ack is idempotent
	}
	if err != nil {
		return fmt.Errorf("queue: ack lookup: %w", err)
	}
	delete(q.inflight, path)

	res, err := q.conn.Exec(`DELETE FROM sync_queue WHERE id = ? AND revision = ?`, id, revision)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Coalesced mid-flight; reset retry state for the fresh payload.
		_, err = q.conn.Exec(`
			UPDATE sync_queue SET retry_count = 0, conflict_retried = 0, next_attempt_at = ?
			WHERE id = ?`, q.now(), id)
		if err != nil {
			return fmt.Errorf("queue: ack reset: %w", err)
		}
	}
	return nil
}

// Fail records a transient failure: the retry counter is incremented and the
// next attempt is pushed out by an exponential backoff delay. An item already
// at the retry ceiling is moved to the dead-letter table instead and the
// configured observer is notified.
func (q *Queue) Fail(id int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.itemByIDLocked(id)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	delete(q.inflight, item.Path)

	if item.RetryCount >= q.cfg.MaxRetries {
		return q.deadLetterLocked(item, reason)
	}

	delay := q.backoff(item.RetryCount)
	_, err = q.conn.Exec(`
		UPDATE sync_queue SET retry_count = retry_count + 1, next_attempt_at = ?
		WHERE id = ?`, q.now().Add(delay), id)
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	return nil
}

// Retag re-tags a pending item with the server's current version after a
// conflict the local side won, and marks it so a second conflict resolves
// server-wins. Conflicts do not count against the retry ceiling.
func (q *Queue) Retag(id int64, serverVersion int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.itemByIDLocked(id)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	delete(q.inflight, item.Path)

	_, err = q.conn.Exec(`
		UPDATE sync_queue SET base_version = ?, conflict_retried = 1, next_attempt_at = ?
		WHERE id = ?`, serverVersion, q.now(), id)
	if err != nil {
		return fmt.Errorf("queue: retag: %w", err)
	}
	return nil
}

// Resolve removes an item whose conflict was settled server-wins.
func (q *Queue) Resolve(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.itemByIDLocked(id)
	if err != nil || item == nil {
		return err
	}
	delete(q.inflight, item.Path)
	return q.removeLocked(id)
}

// ResetInflight clears in-flight markings. Called when a cycle is aborted:
// unacknowledged items stay pending and are retried on the next cycle.
func (q *Queue) ResetInflight() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = make(map[string]struct{})
}

// Len returns the number of pending items.
func (q *Queue) Len() (int, error) {
	var n int
	if err := q.conn.QueryRow(`SELECT count(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

// DeadItem is a queue item that exceeded its retry ceiling.
type DeadItem struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	Op         Operation `json:"operation"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	DeadAt     time.Time `json:"dead_at"`
}

// DeadLetters returns the dead-letter records, newest first.
func (q *Queue) DeadLetters() ([]DeadItem, error) {
	rows, err := q.conn.Query(`
		SELECT id, path, operation, retry_count, reason, dead_at
		FROM dead_letter ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadItem
	for rows.Next() {
		var d DeadItem
		if err := rows.Scan(&d.ID, &d.Path, &d.Op, &d.RetryCount, &d.Reason, &d.DeadAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queue) deadLetterLocked(item *Item, reason string) error {
	tx, err := q.conn.Begin()
	if err != nil {
		return fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO dead_letter (queue_id, path, operation, payload, retry_count, reason, created_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Path, item.Op, item.Payload, item.RetryCount, reason, item.CreatedAt, q.now())
	if err != nil {
		return fmt.Errorf("queue: dead letter insert: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("queue: dead letter remove: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if q.onDeadLetter != nil {
		q.onDeadLetter(*item, reason)
	}
	return nil
}

func (q *Queue) itemByIDLocked(id int64) (*Item, error) {
	row := q.conn.QueryRow(`
		SELECT id, path, operation, payload, base_version, retry_count,
		       conflict_retried, revision, created_at
		FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// backoff returns the delay before retry number retryCount+1: base doubling
// per retry, capped.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	if d > q.cfg.BackoffCap {
		return q.cfg.BackoffCap
	}
	return d
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var it Item
	err := r.Scan(&it.ID, &it.Path, &it.Op, &it.Payload, &it.BaseVersion,
		&it.RetryCount, &it.ConflictRetried, &it.Revision, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}
