// ABOUTME: SQLite-backed durable job queue with priority, delay, and retry scheduling
// ABOUTME: Jobs survive restarts; claiming is atomic so each job runs in one worker slot

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatforge/relay/internal/store"
)

// History retention: completed jobs older than an hour are pruned beyond the
// most recent 100; failed jobs older than a day beyond the most recent 500.
const (
	completedRetention = time.Hour
	completedKeep      = 100
	failedRetention    = 24 * time.Hour
	failedKeep         = 500
)

const defaultPriority = 5

// Queue is a durable, priority- and delay-aware work queue backed by SQLite.
type Queue struct {
	db     *sql.DB
	policy Policy
	logger *slog.Logger
}

// New creates a queue on the given database handle, creating its table if
// needed. The handle is shared with the store; the queue does not close it.
func New(db *sql.DB, policy Policy) (*Queue, error) {
	if policy.Attempts <= 0 {
		policy = DefaultPolicy()
	}
	q := &Queue{
		db:     db,
		policy: policy,
		logger: slog.Default().With("component", "queue"),
	}
	if err := q.createSchema(); err != nil {
		return nil, err
	}

	// Jobs left active by a crash are re-run from scratch.
	if err := q.requeueOrphans(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			user_id         TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL,
			channel         TEXT NOT NULL,
			metadata_json   TEXT NOT NULL DEFAULT '{}',
			priority        INTEGER NOT NULL DEFAULT 5,
			state           TEXT NOT NULL DEFAULT 'waiting',
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL,
			progress        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			enqueued_at     INTEGER NOT NULL,
			run_at          INTEGER NOT NULL,
			started_at      INTEGER,
			finished_at     INTEGER,

			CHECK (state IN ('waiting', 'active', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_claim
			ON jobs(state, run_at, priority);
		CREATE INDEX IF NOT EXISTS idx_jobs_finished
			ON jobs(state, finished_at);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("creating jobs schema: %w", err)
	}
	return nil
}

func (q *Queue) requeueOrphans() error {
	res, err := q.db.Exec(
		`UPDATE jobs SET state = 'waiting', run_at = ? WHERE state = 'active'`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("requeuing orphaned jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.logger.Warn("requeued jobs orphaned by previous shutdown", "count", n)
	}
	return nil
}

// Enqueue adds a job. Returns ErrInvalidSchedule if opts.ScheduledFor is in
// the past. Enqueuing an id that is already waiting or active returns the
// existing job's status without creating a duplicate; a completed or failed
// id is re-enqueued from scratch (re-delivery reuses the same id).
func (q *Queue) Enqueue(ctx context.Context, job *Job, opts Options) (*EnqueueResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	runAt := now
	status := StatusQueued
	if !opts.ScheduledFor.IsZero() {
		runAt = opts.ScheduledFor
		status = StatusScheduled
	}

	priority := opts.Priority
	if priority == 0 {
		priority = job.Priority
	}
	if priority == 0 {
		priority = defaultPriority
	}

	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning enqueue tx: %w", err)
	}
	defer tx.Rollback()

	var state string
	var existingRunAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT state, run_at FROM jobs WHERE id = ?`, job.ID,
	).Scan(&state, &existingRunAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (
				id, conversation_id, agent_id, user_id, content, channel,
				metadata_json, priority, max_attempts, enqueued_at, run_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.ConversationID, job.AgentID, job.UserID, job.Content,
			string(job.Channel), string(meta), priority, q.policy.Attempts,
			now.UnixMilli(), runAt.UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting job: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("checking existing job: %w", err)
	case state == StateWaiting || state == StateActive:
		// Outstanding job with the same id: idempotent no-op.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing enqueue: %w", err)
		}
		status = StatusQueued
		if state == StateWaiting && existingRunAt > now.UnixMilli() {
			status = StatusScheduled
		}
		q.logger.Debug("enqueue deduplicated against outstanding job", "job_id", job.ID, "state", state)
		return &EnqueueResult{JobID: job.ID, Status: status}, nil
	default:
		// Terminal job: re-delivery reuses the id.
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET
				conversation_id = ?, agent_id = ?, user_id = ?, content = ?,
				channel = ?, metadata_json = ?, priority = ?, state = 'waiting',
				attempts = 0, max_attempts = ?, progress = 0, last_error = '',
				enqueued_at = ?, run_at = ?, started_at = NULL, finished_at = NULL
			 WHERE id = ?`,
			job.ConversationID, job.AgentID, job.UserID, job.Content,
			string(job.Channel), string(meta), priority, q.policy.Attempts,
			now.UnixMilli(), runAt.UnixMilli(), job.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("re-enqueuing job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing enqueue: %w", err)
	}

	q.logger.Info("job enqueued",
		"job_id", job.ID,
		"channel", job.Channel,
		"priority", priority,
		"status", status,
	)
	return &EnqueueResult{JobID: job.ID, Status: status}, nil
}

// ClaimNext atomically claims the most urgent due job, moving it to active.
// Returns nil when nothing is due.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs
		 WHERE state = 'waiting' AND run_at <= ?
		 ORDER BY priority ASC, run_at ASC, enqueued_at ASC
		 LIMIT 1`, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting due job: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'active', started_at = ?, attempts = attempts + 1
		 WHERE id = ? AND state = 'waiting'`,
		now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil // claimed by another slot between select and update
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT id, conversation_id, agent_id, user_id, content, channel,
			metadata_json, priority, attempts, max_attempts, enqueued_at
		 FROM jobs WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

// Complete marks a job successful.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'completed', progress = 100, finished_at = ?
		 WHERE id = ? AND state = 'active'`,
		time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Transient failures are rescheduled with
// exponential backoff until the attempt budget is spent; permanent failures
// and exhausted budgets move the job to failed. Returns true when the failure
// is final.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string, permanent bool) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail tx: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = ? AND state = 'active'`, jobID,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("loading job attempts: %w", err)
	}

	now := time.Now()
	final := permanent || attempts >= maxAttempts
	if final {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', last_error = ?, finished_at = ? WHERE id = ?`,
			errMsg, now.UnixMilli(), jobID,
		)
	} else {
		delay := q.policy.retryDelay(attempts)
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'waiting', last_error = ?, run_at = ? WHERE id = ?`,
			errMsg, now.Add(delay).UnixMilli(), jobID,
		)
		q.logger.Info("job retry scheduled",
			"job_id", jobID,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"delay", delay,
		)
	}
	if err != nil {
		return false, fmt.Errorf("recording job failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing fail: %w", err)
	}

	if final {
		q.logger.Warn("job failed permanently",
			"job_id", jobID,
			"attempts", attempts,
			"error", errMsg,
		)
	}
	return final, nil
}

// SetProgress records an advisory progress percentage. Errors are swallowed:
// progress has no correctness implication.
func (q *Queue) SetProgress(ctx context.Context, jobID string, pct int) {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE id = ?`, pct, jobID,
	); err != nil {
		q.logger.Debug("progress update failed", "job_id", jobID, "error", err)
	}
}

// Status reports the state of one job. Returns ErrNotFound for unknown ids.
func (q *Queue) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var st JobStatus
	var state string
	var enqueuedAt, runAt int64
	var finishedAt sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, state, progress, attempts, last_error, enqueued_at, run_at, finished_at
		 FROM jobs WHERE id = ?`, jobID,
	).Scan(&st.JobID, &state, &st.Progress, &st.Attempts, &st.LastError,
		&enqueuedAt, &runAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job status: %w", err)
	}

	st.EnqueuedAt = time.UnixMilli(enqueuedAt)
	st.RunAt = time.UnixMilli(runAt)
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		st.FinishedAt = &t
	}
	st.State = state
	if state == StateWaiting && st.RunAt.After(time.Now()) {
		st.State = StateDelayed
	}
	return &st, nil
}

// CancelDelayed removes a job that has not yet become due. It only succeeds
// while the job is still delayed; a due, active, or finished job is left alone.
func (q *Queue) CancelDelayed(ctx context.Context, jobID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND state = 'waiting' AND run_at > ?`,
		jobID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("cancelling delayed job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// Stats returns per-state job counts. Waiting jobs scheduled for the future
// are counted as delayed.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now().UnixMilli()
	rows, err := q.db.QueryContext(ctx,
		`SELECT
			CASE WHEN state = 'waiting' AND run_at > ? THEN 'delayed' ELSE state END,
			COUNT(*)
		 FROM jobs GROUP BY 1`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		switch state {
		case StateWaiting:
			stats.Waiting = count
		case StateActive:
			stats.Active = count
		case StateCompleted:
			stats.Completed = count
		case StateFailed:
			stats.Failed = count
		case StateDelayed:
			stats.Delayed = count
		}
	}
	return &stats, rows.Err()
}

// Clean prunes retained history for terminal jobs. Kept for audit, not
// correctness, so retention is bounded by both age and count.
func (q *Queue) Clean(ctx context.Context) error {
	now := time.Now()
	for _, p := range []struct {
		state     string
		retention time.Duration
		keep      int
	}{
		{StateCompleted, completedRetention, completedKeep},
		{StateFailed, failedRetention, failedKeep},
	} {
		cutoff := now.Add(-p.retention).UnixMilli()
		_, err := q.db.ExecContext(ctx,
			`DELETE FROM jobs
			 WHERE state = ? AND finished_at < ?
			   AND id NOT IN (
				SELECT id FROM jobs WHERE state = ?
				ORDER BY finished_at DESC LIMIT ?
			   )`,
			p.state, cutoff, p.state, p.keep,
		)
		if err != nil {
			return fmt.Errorf("cleaning %s jobs: %w", p.state, err)
		}
	}
	q.logger.Debug("old jobs cleaned")
	return nil
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var channel, metaJSON string
	var enqueuedAt int64
	err := row.Scan(&job.ID, &job.ConversationID, &job.AgentID, &job.UserID,
		&job.Content, &channel, &metaJSON, &job.Priority, &job.Attempt,
		&job.MaxAttempts, &enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.Channel = store.Channel(channel)
	job.EnqueuedAt = time.UnixMilli(enqueuedAt)
	if err := json.Unmarshal([]byte(metaJSON), &job.Metadata); err != nil {
		job.Metadata = store.Metadata{}
	}
	return &job, nil
}
