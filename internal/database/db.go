package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// schema is embedded rather than shipped as migration files; there is a
// single table and the queue is the only writer.
const schema = `
CREATE TABLE IF NOT EXISTS download_tasks (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	artist_name      TEXT NOT NULL,
	album_name       TEXT NOT NULL,
	artist_id        TEXT NOT NULL DEFAULT '',
	album_id         TEXT NOT NULL DEFAULT '',
	explicit         INTEGER NOT NULL DEFAULT 0,
	priority         INTEGER NOT NULL DEFAULT 1,
	status           TEXT NOT NULL,
	total_tracks     INTEGER NOT NULL DEFAULT 0,
	completed_tracks INTEGER NOT NULL DEFAULT 0,
	failed_tracks    TEXT NOT NULL DEFAULT '[]',
	progress         REAL NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	sequence_number  INTEGER NOT NULL DEFAULT 0,
	sequence_length  INTEGER NOT NULL DEFAULT 0,
	quality          TEXT NOT NULL DEFAULT '',
	output_dir       TEXT NOT NULL DEFAULT '',
	skip_existing    INTEGER NOT NULL DEFAULT 0,
	release_date     TEXT NOT NULL DEFAULT '',
	enqueued_at      TEXT NOT NULL,
	started_at       TEXT,
	completed_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_download_tasks_status ON download_tasks(status);
`

// Initialize opens (creating if needed) the sqlite database and applies
// the schema.
func Initialize(databaseURL string) (*sql.DB, error) {
	if dir := filepath.Dir(databaseURL); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", databaseURL+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %v", err)
	}

	log.Printf("Database initialized at: %s", databaseURL)
	return db, nil
}
