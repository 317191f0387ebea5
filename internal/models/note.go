// Package models defines the domain types for Raido.
package models

import "time"

// LocalNote is the client's replica of one note plus its sync metadata.
// Content lives in the vault file; everything else is tracked in SQLite.
type LocalNote struct {
	Path        string    `json:"path"`
	Title       string    `json:"title,omitempty"`
	Folder      string    `json:"folder,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Links       []string  `json:"links,omitempty"`
	Backlinks   []string  `json:"backlinks,omitempty"`
	Content     []byte    `json:"-"`
	Checksum    string    `json:"checksum,omitempty"` // hash of last-synced content, empty if never synced
	WordCount   int       `json:"word_count"`
	IsDirty     bool      `json:"is_dirty"`
	IsFavorite  bool      `json:"is_favorite"`
	SyncVersion int64     `json:"sync_version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RemoteNote is one entry in a pull delta from the server.
type RemoteNote struct {
	Path        string    `json:"path"`
	Content     []byte    `json:"content"`
	Checksum    string    `json:"checksum"`
	SyncVersion int64     `json:"sync_version"`
	UpdatedAt   time.Time `json:"updated_at"`
	Deleted     bool      `json:"deleted"`
}

// ConnectionStatus is the supervisor's state for the active server link.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// ServerConnection identifies the one authoritative server for this client.
type ServerConnection struct {
	URL            string     `json:"url"`
	APIKey         string     `json:"-"`
	RelayCode      string     `json:"relay_code,omitempty"` // set when linked via relay pairing
	ServerIdentity string     `json:"server_identity,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}

// RelayPairingState is the transient state of an active pairing attempt.
type RelayPairingState struct {
	IsPairing     bool   `json:"is_pairing"`
	PairingCode   string `json:"pairing_code,omitempty"`
	TimeRemaining int    `json:"time_remaining,omitempty"` // seconds until code expiry
	Error         string `json:"error,omitempty"`
}
