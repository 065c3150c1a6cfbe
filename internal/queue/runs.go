package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunQueue claims and acks run-execution jobs.
type RunQueue struct {
	db                *sql.DB
	backoffBaseSecs   int
	backoffMaxSecs    int
}

// NewRunQueue builds a RunQueue over db with the given capped-exponential
// backoff parameters.
func NewRunQueue(db *sql.DB, backoffBaseSecs, backoffMaxSecs int) *RunQueue {
	return &RunQueue{db: db, backoffBaseSecs: backoffBaseSecs, backoffMaxSecs: backoffMaxSecs}
}

const runClaimBatch = `
WITH next_run AS (
    SELECT id
    FROM runs
    WHERE status = 'queued'
      AND available_at <= $1
      AND attempt_count < max_attempts
    ORDER BY available_at ASC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT $2
)
UPDATE runs AS r
SET status = 'running',
    claimed_by = $3,
    claim_expires_at = $4,
    started_at = COALESCE(r.started_at, $1),
    attempt_count = r.attempt_count + 1,
    error_message = NULL
FROM next_run
WHERE r.id = next_run.id
RETURNING r.id, r.attempt_count, r.max_attempts
`

// ClaimNext claims a single queued, available run. Returns nil, nil if
// nothing is eligible.
func (q *RunQueue) ClaimNext(ctx context.Context, workerID string, now time.Time, leaseSeconds int) (*RunClaim, error) {
	claims, err := q.ClaimBatch(ctx, workerID, now, leaseSeconds, 1)
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return nil, nil
	}
	return &claims[0], nil
}

// ClaimBatch claims up to limit queued, available runs in one statement.
func (q *RunQueue) ClaimBatch(ctx context.Context, workerID string, now time.Time, leaseSeconds, limit int) ([]RunClaim, error) {
	if limit < 1 {
		limit = 1
	}
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	rows, err := q.db.QueryContext(ctx, runClaimBatch, now, limit, workerID, leaseExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("queue: claim run batch: %w", err)
	}
	defer rows.Close()

	var claims []RunClaim
	for rows.Next() {
		var c RunClaim
		if err := rows.Scan(&c.ID, &c.AttemptCount, &c.MaxAttempts); err != nil {
			return nil, fmt.Errorf("queue: scan run claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

const runHeartbeat = `
UPDATE runs
SET claim_expires_at = $1
WHERE id = $2
  AND status = 'running'
  AND claimed_by = $3
`

// Heartbeat extends a run's lease.
func (q *RunQueue) Heartbeat(ctx context.Context, runID, workerID string, now time.Time, leaseSeconds int) (bool, error) {
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
	res, err := q.db.ExecContext(ctx, runHeartbeat, leaseExpiresAt, runID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: run heartbeat: %w", err)
	}
	return rowsAffected(res)
}

const runAckSuccess = `
UPDATE runs
SET status = 'succeeded',
    completed_at = $1,
    claimed_by = NULL,
    claim_expires_at = NULL
WHERE id = $2
  AND status = 'running'
  AND claimed_by = $3
`

// AckSuccess marks a run succeeded.
func (q *RunQueue) AckSuccess(ctx context.Context, execer Execer, runID, workerID string, now time.Time) (bool, error) {
	res, err := execer.ExecContext(ctx, runAckSuccess, now, runID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: run ack success: %w", err)
	}
	return rowsAffected(res)
}

const runAckFailureRequeue = `
UPDATE runs
SET status = 'queued',
    available_at = $1,
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = $2,
    completed_at = NULL
WHERE id = $3
  AND status = 'running'
  AND claimed_by = $4
`

const runAckFailureTerminal = `
UPDATE runs
SET status = 'failed',
    completed_at = $1,
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = $2
WHERE id = $3
  AND status = 'running'
  AND claimed_by = $4
`

// AckFailure marks a run failed. If retryAt is non-nil the run is
// requeued for a later attempt instead of terminally failed.
func (q *RunQueue) AckFailure(ctx context.Context, execer Execer, runID, workerID, errorMessage string, now time.Time, retryAt *time.Time) (bool, error) {
	var res sql.Result
	var err error
	if retryAt == nil {
		res, err = execer.ExecContext(ctx, runAckFailureTerminal, now, errorMessage, runID, workerID)
	} else {
		res, err = execer.ExecContext(ctx, runAckFailureRequeue, *retryAt, errorMessage, runID, workerID)
	}
	if err != nil {
		return false, fmt.Errorf("queue: run ack failure: %w", err)
	}
	return rowsAffected(res)
}

const runReleaseForEnvironment = `
UPDATE runs
SET status = 'queued',
    available_at = $1,
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = $2,
    completed_at = NULL,
    attempt_count = CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END
WHERE id = $3
  AND status = 'running'
  AND claimed_by = $4
`

// ReleaseForEnvironment requeues a run without counting it against
// max_attempts, used when a run was claimed but its environment was not
// yet ready (the run itself did nothing wrong).
func (q *RunQueue) ReleaseForEnvironment(ctx context.Context, runID, workerID, errorMessage string, retryAt time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, runReleaseForEnvironment, retryAt, errorMessage, runID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: release run for environment: %w", err)
	}
	return rowsAffected(res)
}

const runExpireRequeueBulk = `
UPDATE runs
SET status = 'queued',
    available_at = $1 + make_interval(secs => LEAST($2, $3 * POWER(2, GREATEST(attempt_count - 1, 0)))),
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = 'lease expired',
    completed_at = NULL
WHERE status = 'running'
  AND claim_expires_at IS NOT NULL
  AND claim_expires_at < $1
  AND attempt_count < max_attempts
RETURNING id
`

const runExpireTerminalBulk = `
UPDATE runs
SET status = 'failed',
    completed_at = $1,
    claimed_by = NULL,
    claim_expires_at = NULL,
    error_message = 'lease expired'
WHERE status = 'running'
  AND claim_expires_at IS NOT NULL
  AND claim_expires_at < $1
  AND attempt_count >= max_attempts
RETURNING id
`

// ExpireStuck requeues or terminally fails runs whose lease has expired,
// and returns how many rows were affected in total.
func (q *RunQueue) ExpireStuck(ctx context.Context, now time.Time) (int, error) {
	terminalRows, err := q.db.QueryContext(ctx, runExpireTerminalBulk, now)
	if err != nil {
		return 0, fmt.Errorf("queue: expire terminal runs: %w", err)
	}
	terminalCount, err := countRows(terminalRows)
	if err != nil {
		return 0, err
	}

	backoffBase := q.backoffBaseSecs
	if backoffBase < 0 {
		backoffBase = 0
	}
	backoffMax := q.backoffMaxSecs
	if backoffMax < 0 {
		backoffMax = 0
	}
	requeueRows, err := q.db.QueryContext(ctx, runExpireRequeueBulk, now, backoffMax, backoffBase)
	if err != nil {
		return 0, fmt.Errorf("queue: expire+requeue runs: %w", err)
	}
	requeueCount, err := countRows(requeueRows)
	if err != nil {
		return 0, err
	}

	return terminalCount + requeueCount, nil
}

// Depth reports how many runs are queued and available to claim right now.
func (q *RunQueue) Depth(ctx context.Context, now time.Time) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `
SELECT count(*) FROM runs
WHERE status = 'queued' AND available_at <= $1 AND attempt_count < max_attempts
`, now).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue: run depth: %w", err)
	}
	return depth, nil
}

func countRows(rows *sql.Rows) (int, error) {
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
