// Package queue implements the durable job queue feeding the message worker.
//
// Jobs are stored in SQLite so they survive restarts. A job's id is its
// idempotency key: enqueuing an id that is already waiting or active is a
// no-op, while a terminal id is re-enqueued from scratch. Claiming flips the
// most urgent due job (lowest priority number, earliest run time) to active
// in one transaction, so a job is only ever processed by one worker slot at
// a time.
//
// Failed attempts are rescheduled with exponential backoff (2s, 4s, 8s by
// default) until the attempt budget is exhausted, after which the job is
// failed permanently. A waiting job whose run time is in the future reports
// the derived "delayed" state.
package queue
