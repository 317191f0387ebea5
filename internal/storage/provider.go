// Package storage defines the vault file-system abstraction.
//
// The vault holds the authoritative local copy of every note's content;
// sync metadata lives in SQLite. All paths are relative to the vault root.
package storage

import "time"

// FileInfo is lightweight metadata for one vault file.
type FileInfo struct {
	Path      string
	Checksum  string
	UpdatedAt time.Time
}

// Provider is the interface for vault file operations.
type Provider interface {
	// List returns metadata for every .md file under dir.
	List(dir string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
}
