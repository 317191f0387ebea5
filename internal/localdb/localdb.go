// Package localdb opens the client's SQLite database. Schema ownership is
// split: notestore and queue each apply their own tables on construction.
package localdb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the SQLite database with WAL and busy-timeout
// pragmas suitable for concurrent reader/writer access from one process.
func Open(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localdb: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localdb: ping: %w", err)
	}
	return conn, nil
}
