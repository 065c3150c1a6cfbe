package gc

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/pathsafe"
)

func testPaths(t *testing.T) *pathsafe.Manager {
	t.Helper()
	dir := t.TempDir()
	return pathsafe.New(dir, dir)
}

func TestEnvironmentsDisabledWhenTTLNonPositive(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	result, err := Environments(context.Background(), db, testPaths(t), time.Now(), 0, logging.NewDefault())
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}

func TestEnvironmentsDeletesMissingOnDiskRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "configuration_id", "deps_digest", "status"}).
		AddRow("env-1", "ws-1", "cfg-1", "digest-1", "ready")
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)
	mock.ExpectExec(`DELETE FROM environments WHERE id = \$1`).
		WithArgs("env-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := Environments(context.Background(), db, testPaths(t), time.Now(), 14, logging.NewDefault())
	require.NoError(t, err)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 1, result.Deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunArtifactsDisabledWhenTTLNonPositive(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	result, err := RunArtifacts(context.Background(), db, testPaths(t), time.Now(), 0, logging.NewDefault())
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}

func TestRunArtifactsDeletesTree(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "completed_at"}).
		AddRow("run-1", "ws-1", time.Now())
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)

	result, err := RunArtifacts(context.Background(), db, testPaths(t), time.Now(), 7, logging.NewDefault())
	require.NoError(t, err)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 1, result.Deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnvironmentsAccumulatesPathErrorsWithoutAborting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "configuration_id", "deps_digest", "status"}).
		AddRow("env-bad", "../escape", "cfg-1", "digest-1", "ready").
		AddRow("env-2", "ws-1", "cfg-1", "digest-1", "ready")
	mock.ExpectQuery(`SELECT`).WillReturnRows(rows)
	mock.ExpectExec(`DELETE FROM environments WHERE id = \$1`).
		WithArgs("env-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := Environments(context.Background(), db, testPaths(t), time.Now(), 14, logging.NewDefault())
	require.NoError(t, err)
	require.Equal(t, 2, result.Scanned)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Deleted)
	require.NotNil(t, result.Errs)
	require.Len(t, result.Errs.Errors, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
