package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/raido/internal/apperr"
)

// HTTPRelay implements Relay against the pairing relay's JSON API.
// Relay calls are unauthenticated; the code itself is the secret.
type HTTPRelay struct {
	base string
	http *http.Client
}

// NewHTTPRelay creates a relay client for the broker at baseURL.
func NewHTTPRelay(baseURL string) *HTTPRelay {
	return &HTTPRelay{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// RequestCode obtains a fresh single-use pairing code.
func (r *HTTPRelay) RequestCode(ctx context.Context) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/codes", nil)
	if err != nil {
		return "", 0, fmt.Errorf("relay: build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", 0, &apperr.NetworkError{Op: "relay request code", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", 0, &apperr.NetworkError{Op: "relay request code",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out struct {
		PairingCode      string `json:"pairing_code"`
		ExpiresInSeconds int    `json:"expires_in_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, &apperr.NetworkError{Op: "relay request code", Err: err}
	}
	if out.PairingCode == "" || out.ExpiresInSeconds <= 0 {
		return "", 0, &apperr.NetworkError{Op: "relay request code",
			Err: fmt.Errorf("malformed response")}
	}
	return out.PairingCode, out.ExpiresInSeconds, nil
}

// PollCode asks whether the code has been claimed by a server.
func (r *HTTPRelay) PollCode(ctx context.Context, code string) (*Claim, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.base+"/codes/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, fmt.Errorf("relay: build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &apperr.NetworkError{Op: "relay poll", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusGone, http.StatusNotFound:
		return nil, apperr.ErrPairingExpired
	case http.StatusConflict:
		return nil, apperr.ErrPairingClaimed
	case http.StatusOK:
		// fall through
	default:
		return nil, &apperr.NetworkError{Op: "relay poll",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out struct {
		Claimed    bool   `json:"claimed"`
		Connection *Claim `json:"connection,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &apperr.NetworkError{Op: "relay poll", Err: err}
	}
	if !out.Claimed {
		return nil, nil
	}
	if out.Connection == nil {
		return nil, &apperr.NetworkError{Op: "relay poll",
			Err: fmt.Errorf("claimed without connection")}
	}
	return out.Connection, nil
}

var _ Relay = (*HTTPRelay)(nil)
