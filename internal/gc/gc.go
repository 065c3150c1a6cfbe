// Package gc reclaims disk space for environments and run artifacts
// that have aged out, mirroring the worker's periodic sweep.
package gc

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ade-run/ade/internal/logging"
	"github.com/ade-run/ade/internal/pathsafe"
)

// Result tallies one sweep's outcome. Errs accumulates every per-candidate
// failure without aborting the rest of the sweep; it is nil when nothing
// failed.
type Result struct {
	Scanned int
	Deleted int
	Skipped int
	Failed  int
	Errs    *multierror.Error
}

const environmentsSweepQuery = `
SELECT
    e.id,
    e.workspace_id,
    e.configuration_id,
    e.deps_digest,
    e.status
FROM environments AS e
JOIN configurations AS c ON c.id = e.configuration_id
WHERE c.status != 'active'
  AND e.status IN ('ready', 'failed')
  AND (
    (e.last_used_at IS NOT NULL AND e.last_used_at < $1)
    OR (e.last_used_at IS NULL AND e.updated_at < $1)
  )
  AND NOT EXISTS (
    SELECT 1
    FROM runs AS r
    WHERE r.workspace_id = e.workspace_id
      AND r.configuration_id = e.configuration_id
      AND r.engine_spec = e.engine_spec
      AND r.deps_digest = e.deps_digest
      AND r.status IN ('queued', 'running')
  )
ORDER BY COALESCE(e.last_used_at, e.updated_at) ASC
`

type environmentRow struct {
	ID              string
	WorkspaceID     string
	ConfigurationID string
	DepsDigest      string
	Status          string
}

// Environments deletes on-disk environments that have been idle past
// envTTLDays and aren't attached to an active configuration or a
// queued/running run, then removes their database row. A non-positive
// envTTLDays disables the sweep.
func Environments(ctx context.Context, db *sql.DB, paths *pathsafe.Manager, now time.Time, envTTLDays int, log *logging.Logger) (Result, error) {
	var result Result
	if envTTLDays <= 0 {
		return result, nil
	}
	cutoff := now.Add(-time.Duration(envTTLDays) * 24 * time.Hour)

	rows, err := db.QueryContext(ctx, environmentsSweepQuery, cutoff)
	if err != nil {
		return result, fmt.Errorf("gc: scan environments: %w", err)
	}
	var candidates []environmentRow
	for rows.Next() {
		var r environmentRow
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.ConfigurationID, &r.DepsDigest, &r.Status); err != nil {
			rows.Close()
			return result, fmt.Errorf("gc: scan environment row: %w", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}
	rows.Close()

	result.Scanned = len(candidates)
	for _, c := range candidates {
		envPath, err := paths.EnvironmentRoot(c.WorkspaceID, c.ConfigurationID, c.DepsDigest, c.ID)
		if err != nil {
			log.WithError(err).WithField("environment_id", c.ID).Warn("gc: compute environment path failed")
			result.Failed++
			result.Errs = multierror.Append(result.Errs, fmt.Errorf("environment %s: compute path: %w", c.ID, err))
			continue
		}
		if !deleteTree(envPath) {
			log.WithField("environment_id", c.ID).WithField("path", envPath).Warn("gc: environment delete failed")
			result.Failed++
			result.Errs = multierror.Append(result.Errs, fmt.Errorf("environment %s: delete tree %s", c.ID, envPath))
			continue
		}

		res, err := db.ExecContext(ctx, `DELETE FROM environments WHERE id = $1`, c.ID)
		if err != nil {
			log.WithError(err).WithField("environment_id", c.ID).Warn("gc: environment row delete failed")
			result.Failed++
			result.Errs = multierror.Append(result.Errs, fmt.Errorf("environment %s: delete row: %w", c.ID, err))
			continue
		}
		affected, _ := res.RowsAffected()
		if affected > 0 {
			result.Deleted++
			log.WithField("environment_id", c.ID).WithField("status", c.Status).Info("gc: environment deleted")
		} else {
			result.Skipped++
			log.WithField("environment_id", c.ID).Info("gc: environment already removed")
		}
	}

	return result, nil
}

const runArtifactsSweepQuery = `
SELECT id, workspace_id, completed_at
FROM runs
WHERE status IN ('succeeded', 'failed')
  AND completed_at IS NOT NULL
  AND completed_at < $1
`

type runArtifactRow struct {
	ID          string
	WorkspaceID string
	CompletedAt sql.NullTime
}

// RunArtifacts deletes on-disk input/output directories for runs that
// completed before runTTLDays ago. It never touches the run's database
// row. A non-positive runTTLDays disables the sweep.
func RunArtifacts(ctx context.Context, db *sql.DB, paths *pathsafe.Manager, now time.Time, runTTLDays int, log *logging.Logger) (Result, error) {
	var result Result
	if runTTLDays <= 0 {
		return result, nil
	}
	cutoff := now.Add(-time.Duration(runTTLDays) * 24 * time.Hour)

	rows, err := db.QueryContext(ctx, runArtifactsSweepQuery, cutoff)
	if err != nil {
		return result, fmt.Errorf("gc: scan run artifacts: %w", err)
	}
	var candidates []runArtifactRow
	for rows.Next() {
		var r runArtifactRow
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.CompletedAt); err != nil {
			rows.Close()
			return result, fmt.Errorf("gc: scan run artifact row: %w", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}
	rows.Close()

	result.Scanned = len(candidates)
	for _, c := range candidates {
		runPath, err := paths.RunDir(c.WorkspaceID, c.ID)
		if err != nil {
			log.WithError(err).WithField("run_id", c.ID).Warn("gc: compute run path failed")
			result.Failed++
			result.Errs = multierror.Append(result.Errs, fmt.Errorf("run %s: compute path: %w", c.ID, err))
			continue
		}
		if !deleteTree(runPath) {
			log.WithField("run_id", c.ID).WithField("path", runPath).Warn("gc: run artifact delete failed")
			result.Failed++
			result.Errs = multierror.Append(result.Errs, fmt.Errorf("run %s: delete tree %s", c.ID, runPath))
			continue
		}
		result.Deleted++
		log.WithField("run_id", c.ID).Info("gc: run artifacts deleted")
	}

	return result, nil
}

func deleteTree(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return true
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return false
	}
	return true
}
