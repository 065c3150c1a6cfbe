package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/models"
)

func TestSubmitRunDefaultsMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	run, err := s.SubmitRun(context.Background(), SubmitRunParams{
		WorkspaceID:     "ws-1",
		ConfigurationID: "cfg-1",
		EngineSpec:      "python3.11",
		DepsDigest:      "deadbeef",
		InputDocumentID: "doc-1",
	}, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, run.MaxAttempts)
	require.Equal(t, models.RunStatusQueued, run.Status)
}

func TestGetRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	s := New(db)
	_, err = s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRunNoRowsIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE runs SET status = \$2, cancelled_at = \$3`).
		WithArgs("run-1", models.RunStatusCancelled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(db)
	err = s.CancelRun(context.Background(), "run-1", time.Now().UTC())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetRunMetricsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT \* FROM run_metrics WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	s := New(db)
	_, err = s.GetRunMetrics(context.Background(), "run-1")
	require.ErrorIs(t, err, ErrNotFound)
}
