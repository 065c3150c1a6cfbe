package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionSetsExpiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	now := time.Now().UTC()
	sess, err := s.CreateSession(context.Background(), "user-1", "csrf-token-1", now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), sess.ExpiresAt)
}

func TestGetSessionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT \* FROM sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	s := New(db)
	_, err = s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredSessionsReturnsCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM sessions WHERE expires_at <= \$1`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	s := New(db)
	n, err := s.DeleteExpiredSessions(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}
