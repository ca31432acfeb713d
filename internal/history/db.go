// Package history implements the history store: a local sqlite database
// recording every workflow state transition and terminal result the
// agent has reported, for post-hoc diagnosis and for the CLI's
// `duagent history` command. This agent only ever runs against a local
// file (there is no cloud-hosted device database), so the connection
// setup keeps WAL mode, a busy-timeout retry loop, and a package-level
// write mutex, without a remote-database branch.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// writeMutex serializes every write transaction against the history
// database. SQLite permits only one writer at a time even under WAL
// mode; every INSERT/UPDATE/DELETE in this package takes writeMutex
// first.
var writeMutex sync.Mutex

// DB wraps the history store's sqlite connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path,
// applying the agent's concurrency pragmas and retrying the initial
// connection with backoff since a just-rebooted device's disk may still
// be settling.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create database directory %s: %w", dir, err)
		}
	}

	var conn *sql.DB
	var err error

	const maxRetries = 5
	const baseDelay = 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("history: open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if err = conn.Ping(); err == nil {
			break
		}
		conn.Close()
		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("history: ping database after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return nil, fmt.Errorf("history: apply %q: %w", p, err)
		}
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	db.conn.SetMaxOpenConns(0)
	db.conn.SetMaxIdleConns(0)
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB { return db.conn }

// Migrate runs the embedded goose migrations, bringing a freshly opened
// database (or one created by a prior agent version) up to the current
// schema.
func (db *DB) Migrate() error {
	return runMigrations(db.conn)
}
