// ABOUTME: Tests for the pipeline facade
// ABOUTME: Covers message submission, conversation bootstrap, status, and health thresholds

package pipeline

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/chatforge/relay/internal/queue"
	"github.com/chatforge/relay/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MockStore, *queue.Queue) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(db, queue.Policy{
		Attempts:       3,
		RetryBackoff:   time.Millisecond,
		AttemptTimeout: time.Second,
	})
	require.NoError(t, err)

	st := store.NewMockStore()
	return New(st, q), st, q
}

func TestEnqueueMessagePersistsAndQueues(t *testing.T) {
	svc, st, q := newTestService(t)

	receipt, err := svc.EnqueueMessage(t.Context(), EnqueueRequest{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		UserID:         "user-1",
		Content:        "hello",
		Channel:        store.ChannelWeb,
		Metadata:       store.Metadata{"websocketId": "ws-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Equal(t, receipt.MessageID, receipt.JobID)
	assert.Equal(t, queue.StatusQueued, receipt.Status)

	// The user message landed in the store as queued.
	msg, ok := st.GetMessage(receipt.MessageID)
	require.True(t, ok)
	assert.Equal(t, store.RoleUser, msg.Role)
	assert.Equal(t, store.StatusQueued, msg.Status)

	// The job is claimable and carries the user message link.
	job, err := q.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, receipt.MessageID, job.Metadata.Get("userMessageId"))
	assert.Equal(t, "ws-1", job.Metadata.Get("websocketId"))
}

func TestEnqueueMessageCreatesConversationWhenMissing(t *testing.T) {
	svc, st, _ := newTestService(t)

	receipt, err := svc.EnqueueMessage(t.Context(), EnqueueRequest{
		AgentID: "agent-1",
		Content: "hello",
		Channel: store.ChannelWhatsApp,
		Metadata: store.Metadata{
			"phoneNumber":    "5511999999999",
			"whatsappChatId": "5511999999999@s.whatsapp.net",
			"name":           "Alice",
		},
	})
	require.NoError(t, err)

	msg, ok := st.GetMessage(receipt.MessageID)
	require.True(t, ok)
	require.NotEmpty(t, msg.ConversationID)

	conv, err := st.GetConversation(t.Context(), msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "5511999999999", conv.Identity)
	assert.Equal(t, "Alice", conv.ContactName)
	assert.Equal(t, store.ChannelWhatsApp, conv.Channel)
}

func TestEnqueueMessageScheduled(t *testing.T) {
	svc, _, _ := newTestService(t)

	future := time.Now().Add(time.Hour)
	receipt, err := svc.EnqueueMessage(t.Context(), EnqueueRequest{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Content:        "later",
		Channel:        store.ChannelWeb,
		ScheduledFor:   &future,
	})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusScheduled, receipt.Status)

	status, err := svc.GetMessageStatus(t.Context(), receipt.MessageID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, status.State)

	cancelled, err := svc.CancelScheduled(t.Context(), receipt.MessageID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestEnqueueMessageRejectsPastSchedule(t *testing.T) {
	svc, st, _ := newTestService(t)

	past := time.Now().Add(-time.Minute)
	_, err := svc.EnqueueMessage(t.Context(), EnqueueRequest{
		AgentID:      "agent-1",
		Content:      "too late",
		Channel:      store.ChannelWhatsApp,
		Metadata:     store.Metadata{"phoneNumber": "5511999999999"},
		ScheduledFor: &past,
	})
	assert.ErrorIs(t, err, queue.ErrInvalidSchedule)

	// The rejection leaves nothing behind: no orphaned message row, no
	// conversation bootstrapped from the metadata.
	assert.Equal(t, 0, st.MessageCount())
	_, err = st.FindByIdentity(t.Context(), store.ChannelWhatsApp, "agent-1", "5511999999999", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueueSurvivesStoreFailure(t *testing.T) {
	svc, st, q := newTestService(t)
	st.FailSaves = true

	receipt, err := svc.EnqueueMessage(t.Context(), EnqueueRequest{
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Content:        "hello",
		Channel:        store.ChannelWeb,
	})
	require.NoError(t, err)

	// Persistence is best-effort; the job still queued.
	job, err := q.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, receipt.JobID, job.ID)
}

func TestGetMessageStatusUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetMessageStatus(t.Context(), "ghost")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestHealthCheckThresholds(t *testing.T) {
	svc, _, q := newTestService(t)

	// Empty queue is healthy.
	health, err := svc.HealthCheck(t.Context())
	require.NoError(t, err)
	assert.True(t, health.Healthy)

	// One completed, one failed: ratio 0.5 crosses the threshold.
	for _, id := range []string{"ok", "bad"} {
		_, err := svc.EnqueueMessage(t.Context(), EnqueueRequest{
			ConversationID: "conv-1",
			AgentID:        "agent-1",
			Content:        id,
			Channel:        store.ChannelWeb,
		})
		require.NoError(t, err)
	}
	job, err := q.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NoError(t, q.Complete(t.Context(), job.ID))
	job, err = q.ClaimNext(t.Context())
	require.NoError(t, err)
	_, err = q.Fail(t.Context(), job.ID, "boom", true)
	require.NoError(t, err)

	health, err = svc.HealthCheck(t.Context())
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.Stats.Completed)
	assert.Equal(t, 1, health.Stats.Failed)
}
