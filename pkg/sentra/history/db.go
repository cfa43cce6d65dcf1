// Package history keeps per-group chat state: messages waiting to be
// answered, the turn currently being built, and finished user/assistant
// pairs. Finished pairs and the run message cache are persisted to SQLite.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Finished conversation pairs, one row per turn.
CREATE TABLE IF NOT EXISTS conversation_pairs (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    pair_id           TEXT NOT NULL UNIQUE,
    group_id          TEXT NOT NULL,
    sender_id         TEXT DEFAULT '',
    user_content      TEXT NOT NULL,
    assistant_content TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    finished_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_pairs_gid ON conversation_pairs(group_id);

-- Triggering message of each engine run, kept for audit.
CREATE TABLE IF NOT EXISTS message_cache (
    run_id     TEXT PRIMARY KEY,
    group_id   TEXT DEFAULT '',
    sender_id  TEXT DEFAULT '',
    payload    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_cache_created ON message_cache(created_at);
`

// OpenDatabase opens (or creates) the history database at the given path.
// It enables WAL mode for concurrent read performance and creates all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/sentra.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"
