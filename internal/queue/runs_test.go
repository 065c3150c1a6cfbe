package queue

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestRunQueueClaimNext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`WITH next_run AS`).
		WithArgs(now, 1, "worker-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempt_count", "max_attempts"}).
			AddRow("run-1", 1, 3))

	q := NewRunQueue(db, 5, 300)
	claim, err := q.ClaimNext(context.Background(), "worker-1", now, 900)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, "run-1", claim.ID)
	require.Equal(t, 1, claim.AttemptCount)
	require.Equal(t, 3, claim.MaxAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunQueueClaimNextEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`WITH next_run AS`).
		WithArgs(now, 1, "worker-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempt_count", "max_attempts"}))

	q := NewRunQueue(db, 5, 300)
	claim, err := q.ClaimNext(context.Background(), "worker-1", now, 900)
	require.NoError(t, err)
	require.Nil(t, claim)
}

func TestRunQueueAckSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE runs`).
		WithArgs(now, "run-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewRunQueue(db, 5, 300)
	ok, err := q.AckSuccess(context.Background(), db, "run-1", "worker-1", now)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunQueueAckSuccessLostClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE runs`).
		WithArgs(now, "run-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	q := NewRunQueue(db, 5, 300)
	ok, err := q.AckSuccess(context.Background(), db, "run-1", "worker-1", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunQueueAckFailureTerminalVsRequeue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	retryAt := now.Add(5 * time.Second)

	mock.ExpectExec(`UPDATE runs`).
		WithArgs(retryAt, "boom", "run-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewRunQueue(db, 5, 300)
	ok, err := q.AckFailure(context.Background(), db, "run-1", "worker-1", "boom", now, &retryAt)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`UPDATE runs`).
		WithArgs(now, "boom-terminal", "run-1", "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err = q.AckFailure(context.Background(), db, "run-1", "worker-1", "boom-terminal", now, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunQueueExpireStuck(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`UPDATE runs`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-term"))
	mock.ExpectQuery(`UPDATE runs`).
		WithArgs(now, 300, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-req-1").AddRow("run-req-2"))

	q := NewRunQueue(db, 5, 300)
	n, err := q.ExpireStuck(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
