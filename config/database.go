package config

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS commands (
    id TEXT PRIMARY KEY,
    app_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    action TEXT NOT NULL,
    caused_by TEXT,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commands_app ON commands(app_id);

CREATE TABLE IF NOT EXISTS execution_transitions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    command_id TEXT NOT NULL,
    state TEXT NOT NULL,
    at INTEGER NOT NULL,
    result_summary TEXT,
    error_kind TEXT,
    withdrawn INTEGER DEFAULT 0,
    plan TEXT,
    FOREIGN KEY (command_id) REFERENCES commands(id)
);

CREATE INDEX IF NOT EXISTS idx_transitions_command ON execution_transitions(command_id, seq);

CREATE TABLE IF NOT EXISTS scripts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    app_id TEXT NOT NULL,
    session_id TEXT,
    blueprints TEXT NOT NULL,
    schedule TEXT NOT NULL,
    enabled INTEGER NOT NULL,
    last_run_at INTEGER,
    next_run_at INTEGER,
    runs INTEGER DEFAULT 0,
    success_rate REAL DEFAULT 0,
    created_at INTEGER NOT NULL
);
`

// InitDatabase opens the SQLite database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func InitDatabase(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps the append order of transitions stable and lets
	// ":memory:" behave as a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}
