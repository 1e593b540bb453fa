package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

type SQLiteRepository struct {
	sqlStore
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// applies the schema.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: SQLite allows a single writer, and BEGIN IMMEDIATE on a
	// lone connection gives every transaction the whole database.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{sqlStore{
		db: db,
		dialect: dialect{
			name:      "sqlite",
			retryable: sqliteRetryable,
			conflict:  sqliteConflict,
		},
	}}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return "file:" + path + "?" + params + "&_journal_mode=WAL"
}

func (r *SQLiteRepository) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS modalities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		maintenance_sec INTEGER NOT NULL DEFAULT 0,
		optimization_sec INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS stations (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		idx INTEGER NOT NULL,
		label TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'AVAILABLE',
		modality_id TEXT NOT NULL REFERENCES modalities(id),
		UNIQUE (category, idx)
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_initial TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (first_name, last_initial)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		day TEXT NOT NULL,
		mode TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (client_id, day)
	);

	CREATE TABLE IF NOT EXISTS session_steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		client_id TEXT NOT NULL REFERENCES clients(id),
		modality_id TEXT NOT NULL REFERENCES modalities(id),
		status TEXT NOT NULL DEFAULT 'PENDING',
		station_id TEXT REFERENCES stations(id),
		kind TEXT NOT NULL DEFAULT '',
		start_at DATETIME,
		end_at DATETIME,
		duration INTEGER NOT NULL DEFAULT 0,
		UNIQUE (session_id, modality_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_active_station ON session_steps(station_id) WHERE status = 'ACTIVE';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_active_client ON session_steps(client_id) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_steps_queue ON session_steps(modality_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_day ON sessions(day, seq);

	CREATE TABLE IF NOT EXISTS board_revision (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);
	INSERT INTO board_revision (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
	`

	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

func sqliteRetryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func sqliteConflict(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
