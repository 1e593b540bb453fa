package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const maxTxAttempts = 5

// dialect captures what differs between the SQLite and PostgreSQL backends.
type dialect struct {
	name string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	writeOpts *sql.TxOptions
	readOpts  *sql.TxOptions

	// retryable reports driver errors after which the whole transaction
	// should be run again.
	retryable func(error) bool

	// conflict reports uniqueness violations.
	conflict func(error) bool
}

// sqlStore implements Repository over database/sql. The SQLite and Postgres
// repositories embed it.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) Update(ctx context.Context, fn func(tx *Tx) error) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		rev, err := s.runUpdate(ctx, fn)
		if err == nil {
			return rev, nil
		}
		if !s.dialect.retryable(err) || ctx.Err() != nil {
			return 0, s.classify(err)
		}
		lastErr = err
	}
	return 0, fmt.Errorf("transaction retries exhausted: %w", s.classify(lastErr))
}

func (s *sqlStore) runUpdate(ctx context.Context, fn func(tx *Tx) error) (rev int64, err error) {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.writeOpts)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &Tx{tx: sqlTx, store: s}

	err = tx.queryRow(ctx, `UPDATE board_revision SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}

	if err = fn(tx); err != nil {
		return 0, err
	}

	if err = sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return rev, nil
}

func (s *sqlStore) View(ctx context.Context, fn func(tx *Tx) error) (rev int64, err error) {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.readOpts)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // read-only

	tx := &Tx{tx: sqlTx, store: s}

	if err := tx.queryRow(ctx, `SELECT value FROM board_revision WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}

	if err := fn(tx); err != nil {
		return 0, s.classify(err)
	}
	return rev, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	if s.dialect.conflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// bind rewrites ? placeholders to $n for dialects that need it. Queries in
// this package never contain a literal question mark.
func (s *sqlStore) bind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	return sqlx.Rebind(sqlx.DOLLAR, query)
}
