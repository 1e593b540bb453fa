package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresRepository struct {
	sqlStore
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(connStr string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	repo := &PostgresRepository{sqlStore{
		db: db,
		dialect: dialect{
			name:      "postgres",
			numbered:  true,
			writeOpts: &sql.TxOptions{Isolation: sql.LevelSerializable},
			readOpts:  &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
			retryable: postgresRetryable,
			conflict:  postgresConflict,
		},
	}}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func (r *PostgresRepository) createTables() error {
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
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (first_name, last_initial)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		day TEXT NOT NULL,
		mode TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		seq BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
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
		start_at TIMESTAMPTZ,
		end_at TIMESTAMPTZ,
		duration INTEGER NOT NULL DEFAULT 0,
		UNIQUE (session_id, modality_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_active_station ON session_steps(station_id) WHERE status = 'ACTIVE';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_active_client ON session_steps(client_id) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_steps_queue ON session_steps(modality_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_day ON sessions(day, seq);

	CREATE TABLE IF NOT EXISTS board_revision (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value BIGINT NOT NULL
	);
	INSERT INTO board_revision (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
	`

	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

const (
	pgSerializationFailure pq.ErrorCode = "40001"
	pgDeadlockDetected     pq.ErrorCode = "40P01"
	pgUniqueViolation      pq.ErrorCode = "23505"
)

func postgresRetryable(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == pgSerializationFailure || pe.Code == pgDeadlockDetected
	}
	return false
}

func postgresConflict(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == pgUniqueViolation
}
