// Package transport defines the client's view of the sync server and the
// pairing relay, plus the HTTP implementations of both.
package transport

import (
	"context"
	"time"

	"github.com/starford/raido/internal/models"
	"github.com/starford/raido/internal/queue"
)

// PushRequest is the wire shape of one queue item sent to the server.
type PushRequest struct {
	Path                string `json:"path"`
	Operation           string `json:"operation"`
	Payload             []byte `json:"payload,omitempty"`
	ExpectedSyncVersion int64  `json:"expected_sync_version"`
}

// PushRequestFor builds the wire request for a queue item, tagging the
// caller's last-known server version for the path.
func PushRequestFor(item queue.Item, version int64) PushRequest {
	return PushRequest{
		Path:                item.Path,
		Operation:           item.Op.String(),
		Payload:             item.Payload,
		ExpectedSyncVersion: version,
	}
}

// PushResult is the server's acceptance of a push. A version mismatch is
// surfaced as *apperr.VersionConflict instead.
type PushResult struct {
	Accepted    bool      `json:"accepted"`
	SyncVersion int64     `json:"sync_version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Client is the single logical connection to the authoritative server.
//
// Implementations map transport failures onto the apperr taxonomy:
// *apperr.NetworkError for anything transient, apperr.ErrAuth for rejected
// credentials, *apperr.VersionConflict for optimistic-concurrency misses.
type Client interface {
	// Handshake returns the server's identity fingerprint.
	Handshake(ctx context.Context) (string, error)
	// Pull returns notes whose server-side syncVersion advanced since the
	// given time. A nil since requests the full collection.
	Pull(ctx context.Context, since *time.Time) ([]models.RemoteNote, error)
	// Push sends one mutation tagged with the expected sync version.
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	// Probe is the lightweight health check feeding the supervisor.
	Probe(ctx context.Context) error
}

// Claim is the credential bundle a relay hands over once a server claims
// the pairing code.
type Claim struct {
	URL            string `json:"url"`
	APIKey         string `json:"api_key"`
	ServerIdentity string `json:"server_identity"`
}

// Relay is the pairing-code broker.
type Relay interface {
	// RequestCode obtains a fresh single-use pairing code and its lifetime
	// in seconds.
	RequestCode(ctx context.Context) (code string, expiresIn int, err error)
	// PollCode asks whether the code has been claimed. It returns (nil, nil)
	// while unclaimed, the claim once a server picked it up,
	// apperr.ErrPairingExpired when the relay dropped the code, and
	// apperr.ErrPairingClaimed when another device consumed it.
	PollCode(ctx context.Context, code string) (*Claim, error)
}

// Gate is the outbound-call admission capability. Every network round-trip
// asks the gate first; a denial defers the call to the next tick, it is not
// a failure.
type Gate interface {
	Allow(ctx context.Context, op string) bool
}

// AllowAll is the default gate: every call is admitted.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string) bool { return true }

var _ Gate = AllowAll{}
