package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DB wraps the node's embedded SQLite database. It holds everything the
// hosted backend held for the browser app: call signaling records and their
// candidate streams, user accounts, chats and messages.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database inside dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "ringlet.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers; busy_timeout so racing writers back off
	// instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("database open at %s", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			direct     INTEGER NOT NULL DEFAULT 1,
			direct_key TEXT UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members (user_id)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			blocker_id TEXT NOT NULL,
			blocked_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL,
			chat_id    TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, seq)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			offer_type  TEXT,
			offer_sdp   TEXT,
			answer_type TEXT,
			answer_sdp  TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS call_candidates (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id         TEXT NOT NULL,
			side            TEXT NOT NULL,
			candidate       TEXT NOT NULL,
			sdp_mid         TEXT,
			sdp_mline_index INTEGER,
			ufrag           TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_candidates ON call_candidates (call_id, side, seq)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }
