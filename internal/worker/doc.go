// Package worker runs the bounded pool of job processors. Each slot claims a
// job, calls the external responder under a hard per-attempt timeout,
// persists the outcome, and publishes a ResponseEvent. Transient failures
// retry with backoff; permanent ones (unknown agent, invalid reply) fail the
// job immediately, and the final failure publishes a synthetic error
// response so the user hears back either way.
package worker
