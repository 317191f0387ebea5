// Package pairing runs the relay-code linking flow that produces the
// credentials the supervisor connects with.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/raido/internal/apperr"
	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/supervisor"
	"github.com/starford/raido/internal/transport"
)

// StateFunc observes every pairing state transition for UI notification.
type StateFunc func(models.RelayPairingState)

// Config holds pairing-session tuning.
type Config struct {
	PollInterval time.Duration // relay poll cadence
	Tick         time.Duration // countdown resolution; one tick burns one second of code lifetime
}

// Coordinator drives one pairing session at a time. A session requests a
// single-use code from the relay, counts down its lifetime, and polls until
// a server claims it, the code expires, or the caller cancels.
type Coordinator struct {
	relay   transport.Relay
	sup     *supervisor.Supervisor
	gate    transport.Gate
	cfg     Config
	logger  *slog.Logger
	onState StateFunc

	mu     sync.Mutex
	state  models.RelayPairingState
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Coordinator.
func New(relay transport.Relay, sup *supervisor.Supervisor, gate transport.Gate,
	cfg Config, logger *slog.Logger, onState StateFunc) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if gate == nil {
		gate = transport.AllowAll{}
	}
	return &Coordinator{
		relay:   relay,
		sup:     sup,
		gate:    gate,
		cfg:     cfg,
		logger:  logger,
		onState: onState,
	}
}

// State returns the current pairing state.
func (c *Coordinator) State() models.RelayPairingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a pairing session. Only one session may run at a time.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state.IsPairing {
		c.mu.Unlock()
		return fmt.Errorf("pairing: %w: session already running", apperr.ErrAlreadyExists)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setStateLocked(models.RelayPairingState{IsPairing: true})
	c.mu.Unlock()

	go c.run(ctx, c.done)
	return nil
}

// Cancel stops the active session, if any, without installing a connection.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run is the session goroutine: request a code, then interleave the
// countdown with sequential relay polls until a terminal event.
func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	code, remaining, err := c.requestCode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.clear()
			return
		}
		c.fail(fmt.Sprintf("requesting pairing code: %v", err))
		return
	}

	c.mu.Lock()
	c.setStateLocked(models.RelayPairingState{
		IsPairing:     true,
		PairingCode:   code,
		TimeRemaining: remaining,
	})
	c.mu.Unlock()

	countdown := time.NewTicker(c.cfg.Tick)
	defer countdown.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			c.clear()
			return

		case <-countdown.C:
			remaining--
			if remaining <= 0 {
				c.fail("code expired")
				return
			}
			c.mu.Lock()
			c.state.TimeRemaining = remaining
			c.setStateLocked(c.state)
			c.mu.Unlock()

		case <-poll.C:
			// Each poll is one blocking round-trip, never concurrent
			// with itself.
			if !c.gate.Allow(ctx, "pairing.poll") {
				continue
			}
			claim, err := c.relay.PollCode(ctx, code)
			switch {
			case ctx.Err() != nil:
				c.clear()
				return
			case err != nil:
				if terminal, msg := pollVerdict(err); terminal {
					c.fail(msg)
					return
				}
				c.logger.Warn("pairing: poll failed, retrying",
					slog.String("error", err.Error()))
			case claim != nil:
				c.install(ctx, code, claim)
				return
			}
		}
	}
}

// requestCode asks the relay for a fresh code, deferring while the gate
// denies the call.
func (c *Coordinator) requestCode(ctx context.Context) (string, int, error) {
	for !c.gate.Allow(ctx, "pairing.request") {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(c.cfg.Tick):
		}
	}
	return c.relay.RequestCode(ctx)
}

// install hands the claimed credentials to the supervisor and ends the
// session.
func (c *Coordinator) install(ctx context.Context, code string, claim *transport.Claim) {
	// The relay's fingerprint seeds the identity check: the handshake must
	// report the same identity or the supervisor refuses the link.
	conn := models.ServerConnection{
		URL:            claim.URL,
		APIKey:         claim.APIKey,
		RelayCode:      code,
		ServerIdentity: claim.ServerIdentity,
	}
	if err := c.sup.Connect(ctx, conn); err != nil {
		c.fail(fmt.Sprintf("connecting to paired server: %v", err))
		return
	}
	c.logger.Info("pairing: linked", slog.String("url", claim.URL))
	c.clear()
}

// pollVerdict classifies a poll error: expiry and claimed-elsewhere end the
// session, anything else is retried on the next poll tick.
func pollVerdict(err error) (terminal bool, msg string) {
	switch {
	case errors.Is(err, apperr.ErrPairingExpired):
		return true, "code expired"
	case errors.Is(err, apperr.ErrPairingClaimed):
		return true, "code already claimed by another device"
	default:
		return false, ""
	}
}

func (c *Coordinator) clear() {
	c.mu.Lock()
	c.setStateLocked(models.RelayPairingState{})
	c.mu.Unlock()
}

func (c *Coordinator) fail(msg string) {
	c.mu.Lock()
	c.setStateLocked(models.RelayPairingState{Error: msg})
	c.mu.Unlock()
}

// setStateLocked stores the state and fires the observer outside the lock.
func (c *Coordinator) setStateLocked(state models.RelayPairingState) {
	c.state = state
	if c.onState != nil {
		go c.onState(state)
	}
}
