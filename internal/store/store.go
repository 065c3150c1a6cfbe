// Package store is the API server's data access layer: workspaces,
// configurations, documents, runs, and the auth tables (users, API keys,
// sessions, workspace memberships, system settings). It mirrors
// internal/repo's sqlx-over-*sql.DB shape but from the control plane's
// side of the schema rather than the worker's.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the API server's view of the database.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing *sql.DB (already opened via internal/dbx) with
// sqlx for struct scanning.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any returned error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
