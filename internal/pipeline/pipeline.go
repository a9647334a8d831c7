// ABOUTME: Service facade tying message persistence and the durable queue together
// ABOUTME: Entry point collaborators use to submit messages and inspect queue health

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatforge/relay/internal/queue"
	"github.com/chatforge/relay/internal/store"
)

// Thresholds for HealthCheck. A backlog past maxHealthyWaiting or a failure
// ratio at or above maxFailureRatio marks the pipeline unhealthy.
const (
	maxHealthyWaiting = 1000
	maxFailureRatio   = 0.5
)

// EnqueueRequest is one message submitted for processing.
type EnqueueRequest struct {
	ConversationID string // empty to start a new conversation
	AgentID        string
	UserID         string
	Content        string
	Channel        store.Channel
	Metadata       store.Metadata
	Priority       int        // 0 for the default
	ScheduledFor   *time.Time // nil to run immediately
}

// EnqueueReceipt reports the ids assigned to an accepted message.
type EnqueueReceipt struct {
	MessageID string `json:"messageId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"` // "queued" or "scheduled"
}

// Health is the result of a pipeline health check.
type Health struct {
	Healthy bool         `json:"healthy"`
	Stats   *queue.Stats `json:"stats"`
}

// Service is the pipeline facade.
type Service struct {
	store  store.Store
	queue  *queue.Queue
	logger *slog.Logger
}

// New creates the facade.
func New(st store.Store, q *queue.Queue) *Service {
	return &Service{
		store:  st,
		queue:  q,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// EnqueueMessage persists the user message and enqueues a processing job.
// The message id doubles as the job id, so resubmitting the same message is
// idempotent. Persistence is best-effort: a store failure is logged and the
// job still enqueues.
func (s *Service) EnqueueMessage(ctx context.Context, req EnqueueRequest) (*EnqueueReceipt, error) {
	var opts queue.Options
	if req.Priority > 0 {
		opts.Priority = req.Priority
	}
	if req.ScheduledFor != nil {
		opts.ScheduledFor = *req.ScheduledFor
	}
	// Reject bad schedules before anything is persisted, so a refused
	// submission leaves no orphaned message or conversation behind.
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	messageID := uuid.NewString()

	conversationID := req.ConversationID
	if conversationID == "" {
		conv := &store.Conversation{
			ID:          uuid.NewString(),
			AgentID:     req.AgentID,
			Channel:     req.Channel,
			Identity:    req.Metadata.Get("phoneNumber"),
			ChatID:      req.Metadata.Get("whatsappChatId"),
			ContactName: req.Metadata.Get("name"),
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		conversationID = conv.ID
	}

	msg := &store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		Role:           store.RoleUser,
		Content:        req.Content,
		Channel:        req.Channel,
		Metadata:       req.Metadata,
		Status:         store.StatusQueued,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.logger.Error("failed to persist user message, continuing",
			"message_id", messageID,
			"error", err,
		)
	}

	// The worker updates the user message's status alongside the job's.
	metadata := req.Metadata.Clone()
	metadata["userMessageId"] = messageID

	result, err := s.queue.Enqueue(ctx, &queue.Job{
		ID:             messageID,
		ConversationID: conversationID,
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		Content:        req.Content,
		Channel:        req.Channel,
		Metadata:       metadata,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("enqueuing message: %w", err)
	}

	s.logger.Info("message enqueued",
		"message_id", messageID,
		"conversation_id", conversationID,
		"channel", req.Channel,
		"status", result.Status,
	)

	return &EnqueueReceipt{
		MessageID: messageID,
		JobID:     result.JobID,
		Status:    result.Status,
	}, nil
}

// GetMessageStatus reports the job status for a message id. Returns
// queue.ErrNotFound when the id is unknown.
func (s *Service) GetMessageStatus(ctx context.Context, messageID string) (*queue.JobStatus, error) {
	return s.queue.Status(ctx, messageID)
}

// CancelScheduled cancels a future-dated message that has not started yet.
// Returns false when the job already ran or is running.
func (s *Service) CancelScheduled(ctx context.Context, messageID string) (bool, error) {
	return s.queue.CancelDelayed(ctx, messageID)
}

// GetQueueStatistics returns the per-state job counts.
func (s *Service) GetQueueStatistics(ctx context.Context) (*queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// HealthCheck reports whether the pipeline is keeping up: the backlog must be
// under control and most finished jobs must have succeeded.
func (s *Service) HealthCheck(ctx context.Context) (*Health, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue stats: %w", err)
	}

	healthy := stats.Waiting < maxHealthyWaiting
	if finished := stats.Completed + stats.Failed; finished > 0 {
		ratio := float64(stats.Failed) / float64(finished)
		if ratio >= maxFailureRatio {
			healthy = false
		}
	}

	return &Health{Healthy: healthy, Stats: stats}, nil
}
