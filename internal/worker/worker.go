// ABOUTME: Bounded-concurrency consumer pulling jobs, calling the responder, publishing events
// ABOUTME: Guarantees exactly one ResponseEvent per terminal job, synthetic on final failure

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatforge/relay/internal/bus"
	"github.com/chatforge/relay/internal/queue"
	"github.com/chatforge/relay/internal/responder"
	"github.com/chatforge/relay/internal/store"
)

const defaultPollInterval = 250 * time.Millisecond

// permanentError marks failures that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the job immediately instead of
// retrying. Used for failures retrying cannot fix, like a missing agent.
func Permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Worker consumes jobs from the queue with bounded concurrency.
type Worker struct {
	queue        *queue.Queue
	agents       store.AgentDirectory
	messages     store.MessageStore
	responder    responder.Responder
	bus          *bus.Bus
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a worker with the given number of slots (default 5).
func New(q *queue.Queue, agents store.AgentDirectory, messages store.MessageStore, gen responder.Responder, b *bus.Bus, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:        q,
		agents:       agents,
		messages:     messages,
		responder:    gen,
		bus:          b,
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		logger:       slog.Default().With("component", "worker"),
	}
}

// Run starts the worker slots and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "concurrency", w.concurrency)

	done := make(chan struct{})
	for i := 0; i < w.concurrency; i++ {
		go func(slot int) {
			defer func() { done <- struct{}{} }()
			w.runSlot(ctx, slot)
		}(i)
	}
	for i := 0; i < w.concurrency; i++ {
		<-done
	}
	w.logger.Info("worker stopped")
}

func (w *Worker) runSlot(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		job, err := w.queue.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "slot", slot, "error", err)
		}
		if job != nil {
			w.processJob(ctx, job)
			continue // drain without waiting for the next tick
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processJob runs one attempt under the per-attempt timeout and settles the
// job with the queue afterwards.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	start := time.Now()
	w.logger.Info("processing message",
		"job_id", job.ID,
		"agent_id", job.AgentID,
		"channel", job.Channel,
		"attempt", job.Attempt,
	)

	attemptCtx, cancel := context.WithTimeout(ctx, w.queue.Policy().AttemptTimeout)
	defer cancel()

	err := w.attempt(attemptCtx, job, start)
	elapsed := time.Since(start)

	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			w.logger.Error("completing job", "job_id", job.ID, "error", cerr)
		}
		w.logger.Info("message processed", "job_id", job.ID, "elapsed", elapsed)
		return
	}

	w.logger.Error("processing failed",
		"job_id", job.ID,
		"agent_id", job.AgentID,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"error", err,
	)

	// Settle with the queue using the parent context: the attempt context
	// may already be expired.
	w.markUserMessage(ctx, job, store.StatusFailed, store.StatusUpdate{Error: err.Error()})
	final, ferr := w.queue.Fail(ctx, job.ID, err.Error(), isPermanent(err))
	if ferr != nil {
		w.logger.Error("recording job failure", "job_id", job.ID, "error", ferr)
		return
	}
	if final {
		// The sender always gets some reply, even on permanent failure.
		w.publishError(job, err, elapsed)
	}
}

// attempt is one processing pass: load the agent, call the responder,
// persist the reply, publish the response event. Persistence failures are
// best-effort and never abort delivery.
func (w *Worker) attempt(ctx context.Context, job *queue.Job, start time.Time) error {
	w.queue.SetProgress(ctx, job.ID, 10)
	w.markUserMessage(ctx, job, store.StatusProcessing, store.StatusUpdate{ProcessedAt: timePtr(time.Now())})

	agent, err := w.agents.GetAgent(ctx, job.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return Permanent(fmt.Errorf("agent %s: %w", job.AgentID, err))
		}
		return fmt.Errorf("loading agent: %w", err)
	}
	w.logger.Debug("agent loaded", "agent_id", agent.ID, "agent_name", agent.Name)
	w.queue.SetProgress(ctx, job.ID, 30)

	w.queue.SetProgress(ctx, job.ID, 50)
	reply, err := w.responder.Generate(ctx, job.AgentID, job.Content, job.ConversationID)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}

	w.queue.SetProgress(ctx, job.ID, 70)
	now := time.Now()
	assistantMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: job.ConversationID,
		AgentID:        job.AgentID,
		UserID:         job.UserID,
		Role:           store.RoleAssistant,
		Content:        reply.Text,
		Channel:        job.Channel,
		Metadata:       job.Metadata,
		Status:         store.StatusDelivered,
		TokensUsed:     reply.TokensUsed,
		Model:          reply.Model,
		FinishReason:   reply.FinishReason,
		ReplyToID:      job.Metadata.Get("userMessageId"),
		ProcessingTime: time.Since(start),
		CreatedAt:      now,
	}
	if err := w.messages.SaveMessage(ctx, assistantMsg); err != nil {
		w.logger.Error("saving assistant message", "job_id", job.ID, "error", err)
	}
	w.markUserMessage(ctx, job, store.StatusDelivered, store.StatusUpdate{DeliveredAt: timePtr(now)})

	w.queue.SetProgress(ctx, job.ID, 80)
	w.bus.Publish(&bus.Event{
		MessageID:      job.ID,
		ConversationID: job.ConversationID,
		AgentID:        job.AgentID,
		Response: bus.Response{
			Text:         reply.Text,
			TokensUsed:   reply.TokensUsed,
			Model:        reply.Model,
			FinishReason: reply.FinishReason,
		},
		Channel:        job.Channel,
		Metadata:       job.Metadata,
		Timestamp:      now,
		ProcessingTime: time.Since(start),
	})

	w.queue.SetProgress(ctx, job.ID, 100)
	return nil
}

// publishError emits the synthetic error event after the final attempt so the
// sender is never left without any reply.
func (w *Worker) publishError(job *queue.Job, cause error, elapsed time.Duration) {
	w.bus.Publish(&bus.Event{
		MessageID:      job.ID,
		ConversationID: job.ConversationID,
		AgentID:        job.AgentID,
		Response: bus.Response{
			Text:         fmt.Sprintf("Sorry, something went wrong while processing your message: %s", cause),
			TokensUsed:   0,
			Model:        "error",
			FinishReason: "error",
		},
		Channel:        job.Channel,
		Metadata:       job.Metadata,
		Timestamp:      time.Now(),
		ProcessingTime: elapsed,
	})
}

// markUserMessage transitions the originating user message's status.
// Best-effort: failures are logged, never propagated.
func (w *Worker) markUserMessage(ctx context.Context, job *queue.Job, status string, update store.StatusUpdate) {
	userMessageID := job.Metadata.Get("userMessageId")
	if userMessageID == "" {
		return
	}
	if err := w.messages.UpdateMessageStatus(ctx, userMessageID, status, update); err != nil {
		w.logger.Error("updating user message status",
			"message_id", userMessageID,
			"status", status,
			"error", err,
		)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
