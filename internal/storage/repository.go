package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write lost a race or would break a
	// uniqueness constraint, including the one-active-step indexes.
	ErrConflict = errors.New("conflicting write")
)

// Repository is the transactional store behind the registry and plan store.
//
// Update runs fn inside a single read-write transaction and commits only if
// fn returns nil; the board revision is bumped once per commit and returned.
// fn may be invoked more than once when the database asks for a retry, so it
// must not keep side effects from a previous attempt.
//
// View runs fn in a read-only transaction and returns the revision that the
// read observed.
type Repository interface {
	Update(ctx context.Context, fn func(tx *Tx) error) (int64, error)

	View(ctx context.Context, fn func(tx *Tx) error) (int64, error)

	Close() error
}
