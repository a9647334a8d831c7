// ABOUTME: Job types, states, and retry policy for the durable message queue
// ABOUTME: Defines the contract between producers, the dispatcher, and worker slots

package queue

import (
	"errors"
	"time"

	"github.com/chatforge/relay/internal/store"
)

// ErrInvalidSchedule is returned when ScheduledFor is in the past.
var ErrInvalidSchedule = errors.New("scheduled_for must be in the future")

// ErrNotFound is returned when no job exists for the requested id.
var ErrNotFound = errors.New("job not found")

// Job states. Delayed is derived: a waiting job whose run_at is in the future.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
)

// Enqueue result statuses.
const (
	StatusQueued    = "queued"
	StatusScheduled = "scheduled"
)

// Job is one inbound message awaiting processing. The job id doubles as the
// idempotency key: re-enqueuing an id while a job is outstanding returns the
// existing job instead of creating a duplicate unit of work.
type Job struct {
	ID             string
	ConversationID string
	AgentID        string
	UserID         string // empty for externally-sourced messages
	Content        string
	Channel        store.Channel
	Metadata       store.Metadata
	Priority       int // 1-10, lower is more urgent
	EnqueuedAt     time.Time
	Attempt        int // 1-based, set when claimed
	MaxAttempts    int
}

// Options control enqueue behavior.
type Options struct {
	Priority     int       // 0 means the job's own priority, or default 5
	ScheduledFor time.Time // zero means run immediately
}

// Validate checks the options without touching the queue, so producers can
// reject bad input before doing any other work.
func (o Options) Validate() error {
	if !o.ScheduledFor.IsZero() && o.ScheduledFor.Before(time.Now()) {
		return ErrInvalidSchedule
	}
	return nil
}

// EnqueueResult reports the outcome of an enqueue call.
type EnqueueResult struct {
	JobID  string
	Status string // "queued" or "scheduled"
}

// JobStatus is the externally visible state of one job.
type JobStatus struct {
	JobID      string
	State      string // waiting|active|completed|failed|delayed
	Progress   int
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	RunAt      time.Time
	FinishedAt *time.Time
}

// Stats are the per-state job counts.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
}

// Policy holds the retry configuration applied to every job.
type Policy struct {
	Attempts       int           // attempts before permanent failure
	RetryBackoff   time.Duration // initial delay, doubled each retry
	AttemptTimeout time.Duration // hard timeout per attempt
}

// DefaultPolicy matches the historical queue defaults: 3 attempts with
// exponential backoff starting at 2s and a 2 minute per-attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		RetryBackoff:   2 * time.Second,
		AttemptTimeout: 2 * time.Minute,
	}
}

// retryDelay returns the backoff before retry number attempt (1-based):
// backoff, 2×backoff, 4×backoff, ...
func (p Policy) retryDelay(attempt int) time.Duration {
	delay := p.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
