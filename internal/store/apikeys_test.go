package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestCreateAPIKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO api_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	key, err := s.CreateAPIKey(context.Background(), "ws-1", "ci", "ade_ab12cd", "hashedsecret", "workspace_editor", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "ws-1", key.WorkspaceID)
	require.Equal(t, "workspace_editor", key.Role)
}

func TestGetAPIKeyByPrefixNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT \* FROM api_keys WHERE key_prefix = \$1`).
		WithArgs("ade_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	s := New(db)
	_, err = s.GetAPIKeyByPrefix(context.Background(), "ade_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeAPIKeyIdempotentWhenAlreadyRevoked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE api_keys SET revoked_at`).
		WithArgs("key-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	s := New(db)
	err = s.RevokeAPIKey(context.Background(), "key-1", time.Now().UTC())
	require.NoError(t, err)
}

func TestRevokeAPIKeyMissingReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE api_keys SET revoked_at`).
		WithArgs("key-missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("key-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	s := New(db)
	err = s.RevokeAPIKey(context.Background(), "key-missing", time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)
}
