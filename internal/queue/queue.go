// Package queue implements the durable, lease-based Postgres work queues
// for environment provisioning and run execution. Every heartbeat, ack
// and release statement guards on the expected status and the claiming
// worker_id so a worker that lost its lease can never clobber state
// another worker already claimed.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnvironmentClaim identifies an environment this worker now owns.
type EnvironmentClaim struct {
	ID string
}

// RunClaim identifies a run this worker now owns, along with the attempt
// bookkeeping needed to compute a retry delay on failure.
type RunClaim struct {
	ID           string
	AttemptCount int
	MaxAttempts  int
}

// EnvironmentQueue claims and acks environment provisioning jobs.
type EnvironmentQueue struct {
	db *sql.DB
}

// NewEnvironmentQueue builds an EnvironmentQueue over db.
func NewEnvironmentQueue(db *sql.DB) *EnvironmentQueue {
	return &EnvironmentQueue{db: db}
}

const environmentClaimNext = `
WITH next_env AS (
    SELECT id
    FROM environments
    WHERE status IN ('queued', 'failed')
       OR (status = 'building' AND (claim_expires_at IS NULL OR claim_expires_at < $1))
    ORDER BY updated_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE environments AS e
SET status = 'building',
    claimed_by = $2,
    claim_expires_at = $3,
    error_message = NULL,
    updated_at = $1
FROM next_env
WHERE e.id = next_env.id
RETURNING e.id
`

// ClaimNext claims the oldest eligible environment: queued, failed, or a
// building environment whose lease has expired. Returns nil, nil if
// nothing is eligible.
func (q *EnvironmentQueue) ClaimNext(ctx context.Context, workerID string, now time.Time, leaseSeconds int) (*EnvironmentClaim, error) {
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	row := q.db.QueryRowContext(ctx, environmentClaimNext, now, workerID, leaseExpiresAt)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim next environment: %w", err)
	}
	return &EnvironmentClaim{ID: id}, nil
}

const environmentClaimByID = `
UPDATE environments
SET status = 'building',
    claimed_by = $1,
    claim_expires_at = $2,
    error_message = NULL,
    updated_at = $3
WHERE id = $4
  AND (
    status IN ('queued', 'failed')
    OR (status = 'building' AND (claim_expires_at IS NULL OR claim_expires_at < $3))
  )
RETURNING id
`

// ClaimByID claims a specific environment by ID under the same
// eligibility rules as ClaimNext. Returns nil, nil if that environment
// isn't eligible.
func (q *EnvironmentQueue) ClaimByID(ctx context.Context, envID, workerID string, now time.Time, leaseSeconds int) (*EnvironmentClaim, error) {
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	row := q.db.QueryRowContext(ctx, environmentClaimByID, workerID, leaseExpiresAt, now, envID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim environment by id: %w", err)
	}
	return &EnvironmentClaim{ID: id}, nil
}

const environmentHeartbeat = `
UPDATE environments
SET claim_expires_at = $1
WHERE id = $2
  AND status = 'building'
  AND claimed_by = $3
`

// Heartbeat extends an environment's lease. Returns false if the lease
// was lost (claimed_by no longer matches, or status changed).
func (q *EnvironmentQueue) Heartbeat(ctx context.Context, envID, workerID string, now time.Time, leaseSeconds int) (bool, error) {
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := q.db.ExecContext(ctx, environmentHeartbeat, leaseExpiresAt, envID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: environment heartbeat: %w", err)
	}
	return rowsAffected(res)
}

const environmentAckSuccess = `
UPDATE environments
SET status = 'ready',
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = NULL,
    updated_at = $1
WHERE id = $2
  AND status = 'building'
  AND claimed_by = $3
`

// AckSuccess marks an environment ready. Returns false if the claim was
// lost before the ack landed.
func (q *EnvironmentQueue) AckSuccess(ctx context.Context, execer Execer, envID, workerID string, now time.Time) (bool, error) {
	res, err := execer.ExecContext(ctx, environmentAckSuccess, now, envID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: environment ack success: %w", err)
	}
	return rowsAffected(res)
}

const environmentAckFailure = `
UPDATE environments
SET status = 'failed',
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = $1,
    updated_at = $2
WHERE id = $3
  AND status = 'building'
  AND claimed_by = $4
`

// AckFailure marks an environment failed. Returns false if the claim was
// lost before the ack landed.
func (q *EnvironmentQueue) AckFailure(ctx context.Context, execer Execer, envID, workerID, errorMessage string, now time.Time) (bool, error) {
	res, err := execer.ExecContext(ctx, environmentAckFailure, errorMessage, now, envID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: environment ack failure: %w", err)
	}
	return rowsAffected(res)
}

const environmentExpireStuck = `
UPDATE environments
SET status = 'queued',
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = 'lease expired',
    updated_at = $1
WHERE status = 'building'
  AND claim_expires_at IS NOT NULL
  AND claim_expires_at < $1
RETURNING id
`

// ExpireStuck requeues environments whose build lease expired without
// an ack, returning how many rows were affected.
func (q *EnvironmentQueue) ExpireStuck(ctx context.Context, now time.Time) (int, error) {
	rows, err := q.db.QueryContext(ctx, environmentExpireStuck, now)
	if err != nil {
		return 0, fmt.Errorf("queue: expire stuck environments: %w", err)
	}
	return countRows(rows)
}

// Depth reports how many environments are eligible to be claimed right
// now: queued, failed, or building with an expired lease.
func (q *EnvironmentQueue) Depth(ctx context.Context, now time.Time) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `
SELECT count(*) FROM environments
WHERE status IN ('queued', 'failed')
   OR (status = 'building' AND (claim_expires_at IS NULL OR claim_expires_at < $1))
`, now).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue: environment depth: %w", err)
	}
	return depth, nil
}

// Execer abstracts *sql.DB and *sql.Tx so ack/heartbeat calls can
// optionally run inside a caller-owned transaction that also writes
// result rows atomically.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: rows affected: %w", err)
	}
	return n == 1, nil
}
