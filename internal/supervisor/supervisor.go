// Package supervisor owns the single logical connection to the sync server:
// its credentials, status state machine, and health probing.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/transport"
)

// ClientFactory builds a transport client for a connection. Injected so
// tests can substitute fakes.
type ClientFactory func(conn models.ServerConnection) transport.Client

// StatusFunc observes every status transition.
type StatusFunc func(status models.ConnectionStatus)

// Config holds health-probe tuning.
type Config struct {
	ProbeInterval    time.Duration // how often to probe while connected
	FailureThreshold int           // consecutive probe failures before demotion
}

// Supervisor is the state machine over ConnectionStatus. All reads go
// through the mutex, so no caller ever acts on a stale snapshot.
type Supervisor struct {
	factory ClientFactory
	gate    transport.Gate
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *models.ServerConnection
	client   transport.Client
	status   models.ConnectionStatus
	lastErr  error
	failures int
	blocked  bool // identity mismatch; auto-reconnect refused until confirmed

	onStatus   StatusFunc
	notifyTail chan struct{} // tail of the in-order notification chain
}

// New creates a Supervisor in the disconnected state.
func New(factory ClientFactory, gate transport.Gate, cfg Config, logger *slog.Logger, onStatus StatusFunc) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if gate == nil {
		gate = transport.AllowAll{}
	}
	return &Supervisor{
		factory:  factory,
		gate:     gate,
		cfg:      cfg,
		logger:   logger,
		status:   models.StatusDisconnected,
		onStatus: onStatus,
	}
}

// Connect installs a connection and runs the identity handshake. On success
// the status becomes connected; handshake failures land in the error state.
// A fingerprint that differs from a previously stored serverIdentity is
// fatal: it means a different server answers behind the same URL.
func (s *Supervisor) Connect(ctx context.Context, conn models.ServerConnection) error {
	s.mu.Lock()
	if s.blocked {
		s.mu.Unlock()
		return fmt.Errorf("%w: reconnect blocked until confirmed", apperr.ErrIdentityMismatch)
	}
	known := conn.ServerIdentity
	client := s.factory(conn)
	s.conn = &conn
	s.client = client
	s.setStatusLocked(models.StatusConnecting, nil)
	s.mu.Unlock()

	identity, err := client.Handshake(ctx)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.setStatusLocked(models.StatusError, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if known != "" && identity != known {
		err := fmt.Errorf("%w: stored %q, server reports %q", apperr.ErrIdentityMismatch, known, identity)
		s.blocked = true
		s.setStatusLocked(models.StatusError, err)
		return err
	}
	s.conn.ServerIdentity = identity
	s.failures = 0
	s.setStatusLocked(models.StatusConnected, nil)
	return nil
}

// Retry re-runs the handshake with the stored connection from the error or
// disconnected state. Refused while an identity mismatch is unconfirmed.
func (s *Supervisor) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no connection to retry")
	}
	if s.status == models.StatusConnected || s.status == models.StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	conn := *s.conn
	s.mu.Unlock()
	return s.Connect(ctx, conn)
}

// ConfirmIdentity accepts the server's new fingerprint after the user
// explicitly approved it, then reconnects.
func (s *Supervisor) ConfirmIdentity(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no connection")
	}
	s.blocked = false
	conn := *s.conn
	conn.ServerIdentity = "" // adopt whatever the server reports now
	s.mu.Unlock()
	return s.Connect(ctx, conn)
}

// Unlink drops the connection entirely.
func (s *Supervisor) Unlink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.client = nil
	s.failures = 0
	s.blocked = false
	s.setStatusLocked(models.StatusDisconnected, nil)
}

// Status returns the current connection status.
func (s *Supervisor) Status() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error behind an error-state status, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connection returns a copy of the active connection, if linked.
func (s *Supervisor) Connection() (models.ServerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return models.ServerConnection{}, false
	}
	return *s.conn, true
}

// Client returns the transport client while connected. The second return
// is false in every other state; the reconciler must not drain the queue.
func (s *Supervisor) Client() (transport.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.StatusConnected || s.client == nil {
		return nil, false
	}
	return s.client, true
}

// MarkSynced records the completion time of a successful sync cycle.
func (s *Supervisor) MarkSynced(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.LastSyncAt = &at
	}
}

// LastSyncAt returns the time of the last completed sync cycle, if any.
func (s *Supervisor) LastSyncAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LastSyncAt
}

// RecordProbe feeds one health-probe outcome into the failure counter.
// Reaching the configured threshold while connected demotes the status
// to disconnected.
func (s *Supervisor) RecordProbe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errors.Is(err, apperr.ErrAuth) {
		s.setStatusLocked(models.StatusError, err)
		return
	}
	if err == nil {
		s.failures = 0
		return
	}
	s.failures++
	if s.status == models.StatusConnected && s.failures >= s.cfg.FailureThreshold {
		s.logger.Warn("supervisor: probe threshold reached, demoting",
			slog.Int("failures", s.failures))
		s.setStatusLocked(models.StatusDisconnected, err)
	}
}

// RunProbes probes the server on a fixed tick until ctx is cancelled.
// Probes denied by the admission gate are skipped, not counted as failures.
func (s *Supervisor) RunProbes(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client, ok := s.Client()
			if !ok {
				continue
			}
			if !s.gate.Allow(ctx, "probe") {
				continue
			}
			s.RecordProbe(client.Probe(ctx))
		}
	}
}

// setStatusLocked transitions the status and notifies the observer.
// Callers hold s.mu.
func (s *Supervisor) setStatusLocked(status models.ConnectionStatus, err error) {
	if s.status == status && err == nil {
		return
	}
	s.status = status
	s.lastErr = err
	if s.logger != nil {
		if err != nil {
			s.logger.Info("supervisor: status", slog.String("status", string(status)),
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("supervisor: status", slog.String("status", string(status)))
		}
	}
	if s.onStatus != nil {
		// Notifications run off the lock but in transition order: each
		// waits for the previous one to finish before delivering.
		prev := s.notifyTail
		done := make(chan struct{})
		s.notifyTail = done
		go func() {
			if prev != nil {
				<-prev
			}
			s.onStatus(status)
			close(done)
		}()
	}
}
