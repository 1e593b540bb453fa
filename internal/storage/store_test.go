package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient failure")

// retryOn makes the repository treat errTransient as retryable.
func retryOn(repo *SQLiteRepository) {
	repo.dialect.retryable = func(err error) bool { return errors.Is(err, errTransient) }
}

func revisionOf(t *testing.T, repo Repository) int64 {
	t.Helper()
	rev, err := repo.View(context.Background(), func(*Tx) error { return nil })
	require.NoError(t, err)
	return rev
}

func TestUpdate_RetriesTransientFailures(t *testing.T) {
	repo := openTestRepo(t)
	retryOn(repo)
	before := revisionOf(t, repo)

	calls := 0
	rev, err := repo.Update(context.Background(), func(tx *Tx) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, before+1, rev, "failed attempts roll back their revision bump")
	assert.Equal(t, rev, revisionOf(t, repo))
}

func TestUpdate_GivesUpAfterMaxAttempts(t *testing.T) {
	repo := openTestRepo(t)
	retryOn(repo)
	before := revisionOf(t, repo)

	calls := 0
	_, err := repo.Update(context.Background(), func(tx *Tx) error {
		calls++
		return errTransient
	})
	require.Error(t, err)

	assert.Equal(t, maxTxAttempts, calls)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "transaction retries exhausted")
	assert.Equal(t, before, revisionOf(t, repo))
}

func TestUpdate_DoesNotRetryOtherErrors(t *testing.T) {
	repo := openTestRepo(t)
	retryOn(repo)

	boom := errors.New("boom")
	calls := 0
	_, err := repo.Update(context.Background(), func(tx *Tx) error {
		calls++
		return boom
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "exhausted")
}

func TestUpdate_StopsRetryingWhenCanceled(t *testing.T) {
	repo := openTestRepo(t)
	retryOn(repo)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := repo.Update(ctx, func(tx *Tx) error {
		calls++
		cancel()
		return errTransient
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errTransient)
}

func TestPostgresErrorClassification(t *testing.T) {
	tests := []struct {
		code      pq.ErrorCode
		retryable bool
		conflict  bool
	}{
		{code: "40001", retryable: true},
		{code: "40P01", retryable: true},
		{code: "23505", conflict: true},
		{code: "23503"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := fmt.Errorf("commit: %w", &pq.Error{Code: tt.code})
			assert.Equal(t, tt.retryable, postgresRetryable(err))
			assert.Equal(t, tt.conflict, postgresConflict(err))
		})
	}

	assert.False(t, postgresRetryable(errors.New("plain")))
	assert.False(t, postgresConflict(nil))
}

func TestSQLiteErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       sqlite3.Error
		retryable bool
		conflict  bool
	}{
		{name: "busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, retryable: true},
		{name: "locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, retryable: true},
		{name: "unique", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, conflict: true},
		{name: "primary key", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, conflict: true},
		{name: "check", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", tt.err)
			assert.Equal(t, tt.retryable, sqliteRetryable(err))
			assert.Equal(t, tt.conflict, sqliteConflict(err))
		})
	}
}

func TestClassify(t *testing.T) {
	s := &sqlStore{dialect: dialect{retryable: postgresRetryable, conflict: postgresConflict}}

	err := s.classify(&pq.Error{Code: "23505"})
	assert.ErrorIs(t, err, ErrConflict)

	plain := errors.New("plain")
	assert.Equal(t, plain, s.classify(plain))
	assert.NoError(t, s.classify(nil))
}
