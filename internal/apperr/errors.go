// Package apperr defines the error taxonomy shared across the sync engine.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrAuth marks credential failures. Never retried; the connection
	// transitions to the error state.
	ErrAuth = errors.New("authentication failed")

	// ErrIdentityMismatch marks a server whose identity fingerprint changed
	// behind a known URL. Fatal until the user confirms the new server.
	ErrIdentityMismatch = errors.New("server identity mismatch")

	// ErrPairingExpired means the relay code reached its deadline unclaimed.
	ErrPairingExpired = errors.New("pairing code expired")

	// ErrPairingClaimed means the relay code was already consumed by another
	// device. Distinct from expiry so the UI can word it differently.
	ErrPairingClaimed = errors.New("pairing code already claimed")

	// ErrQueueExhausted means a queue item exceeded its retry ceiling and
	// was moved to the dead-letter table.
	ErrQueueExhausted = errors.New("sync retries exhausted")
)

// NetworkError wraps a transient transport failure. Callers retry these
// with backoff; everything else propagates.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// VersionConflict is returned by a push when the server's syncVersion for
// the path no longer matches the tagged expectation. It carries the server
// copy so the conflict policy can resolve without a second round-trip.
type VersionConflict struct {
	Path            string
	ServerVersion   int64
	ServerUpdatedAt time.Time
	ServerContent   []byte
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on %s: server at v%d", e.Path, e.ServerVersion)
}

// AsConflict extracts a VersionConflict from err, if present.
func AsConflict(err error) (*VersionConflict, bool) {
	var vc *VersionConflict
	ok := errors.As(err, &vc)
	return vc, ok
}
