package repo

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvironmentNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT \* FROM environments WHERE id = \$1`).
		WithArgs("env-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	r := New(db)
	env, err := r.LoadEnvironment(context.Background(), "env-missing")
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestTouchEnvironmentLastUsed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE environments SET last_used_at`).
		WithArgs(now, "env-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := New(db)
	require.NoError(t, r.TouchEnvironmentLastUsed(context.Background(), "env-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDocumentStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE documents SET status`).
		WithArgs("processing", now, "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := New(db)
	require.NoError(t, r.MarkDocumentStatus(context.Background(), "doc-1", "processing", now))
}
