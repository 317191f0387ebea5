// Package notestore holds the client's local replica of notes and their
// sync metadata. Note content is authoritative in the vault; this package
// tracks checksums, dirty state, sync versions, and the link graph in SQLite.
package notestore

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	path          TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	folder        TEXT NOT NULL DEFAULT '',
	tags          TEXT NOT NULL DEFAULT '[]',
	content_hash  TEXT NOT NULL DEFAULT '',
	checksum      TEXT NOT NULL DEFAULT '',
	word_count    INTEGER NOT NULL DEFAULT 0,
	is_dirty      INTEGER NOT NULL DEFAULT 0,
	is_favorite   INTEGER NOT NULL DEFAULT 0,
	sync_version  INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_dirty ON notes(is_dirty);

CREATE TABLE IF NOT EXISTS links (
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	UNIQUE(source, target)
);

CREATE INDEX IF NOT EXISTS idx_links_source ON links(source);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);

CREATE TABLE IF NOT EXISTS superseded_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL,
	content    BLOB NOT NULL,
	updated_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
`
