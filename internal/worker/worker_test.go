// ABOUTME: Tests for the worker pool's job processing
// ABOUTME: Covers success events, permanent failures, retries, and best-effort persistence

package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/chatforge/relay/internal/bus"
	"github.com/chatforge/relay/internal/queue"
	"github.com/chatforge/relay/internal/responder"
	"github.com/chatforge/relay/internal/store"
)

// fakeResponder returns a canned reply or error, counting calls.
type fakeResponder struct {
	mu    sync.Mutex
	reply *responder.Reply
	err   error
	calls int
}

func (f *fakeResponder) Generate(ctx context.Context, agentID, message, conversationID string) (*responder.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	queue  *queue.Queue
	store  *store.MockStore
	bus    *bus.Bus
	worker *Worker
	events <-chan *bus.Event
}

func newFixture(t *testing.T, gen responder.Responder, policy queue.Policy) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(db, policy)
	require.NoError(t, err)

	st := store.NewMockStore()
	st.AddAgent(&store.Agent{ID: "agent-1", Name: "Test Agent"})

	b := bus.New(nil)
	t.Cleanup(b.Close)
	events, _ := b.Subscribe(t.Context(), bus.ChannelTopic(store.ChannelWeb))

	w := New(q, st, st, gen, b, 1)
	w.pollInterval = 5 * time.Millisecond

	return &fixture{queue: q, store: st, bus: b, worker: w, events: events}
}

func fastPolicy() queue.Policy {
	return queue.Policy{
		Attempts:       3,
		RetryBackoff:   time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}
}

func enqueue(t *testing.T, f *fixture, id string, metadata store.Metadata) {
	t.Helper()
	_, err := f.queue.Enqueue(t.Context(), &queue.Job{
		ID:             id,
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Content:        "hello",
		Channel:        store.ChannelWeb,
		Metadata:       metadata,
	}, queue.Options{})
	require.NoError(t, err)
}

func runWorker(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	go f.worker.Run(ctx)
}

func waitEvent(t *testing.T, f *fixture) *bus.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response event")
		return nil
	}
}

func TestSuccessfulJobPublishesEvent(t *testing.T) {
	gen := &fakeResponder{reply: &responder.Reply{
		Text:         "hi there",
		TokensUsed:   42,
		Model:        "test-model",
		FinishReason: "stop",
	}}
	f := newFixture(t, gen, fastPolicy())

	enqueue(t, f, "job-1", nil)
	runWorker(t, f)

	ev := waitEvent(t, f)
	assert.Equal(t, "job-1", ev.MessageID)
	assert.Equal(t, "conv-1", ev.ConversationID)
	assert.Equal(t, "hi there", ev.Response.Text)
	assert.Equal(t, 42, ev.Response.TokensUsed)
	assert.Equal(t, "test-model", ev.Response.Model)
	assert.Greater(t, ev.ProcessingTime, time.Duration(0))

	require.Eventually(t, func() bool {
		status, err := f.queue.Status(t.Context(), "job-1")
		require.NoError(t, err)
		return status.State == queue.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The assistant reply landed in the store.
	assert.Equal(t, 1, f.store.MessageCount())
}

func TestSuccessUpdatesUserMessageStatus(t *testing.T) {
	gen := &fakeResponder{reply: &responder.Reply{Text: "ok", Model: "m"}}
	f := newFixture(t, gen, fastPolicy())

	userMsg := &store.Message{ID: "user-msg-1", Role: store.RoleUser, Status: store.StatusQueued}
	require.NoError(t, f.store.SaveMessage(t.Context(), userMsg))

	enqueue(t, f, "job-1", store.Metadata{"userMessageId": "user-msg-1"})
	runWorker(t, f)
	waitEvent(t, f)

	require.Eventually(t, func() bool {
		msg, ok := f.store.GetMessage("user-msg-1")
		return ok && msg.Status == store.StatusDelivered
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownAgentFailsPermanently(t *testing.T) {
	gen := &fakeResponder{reply: &responder.Reply{Text: "never"}}
	f := newFixture(t, gen, fastPolicy())

	_, err := f.queue.Enqueue(t.Context(), &queue.Job{
		ID:             "job-1",
		ConversationID: "conv-1",
		AgentID:        "ghost",
		Content:        "hello",
		Channel:        store.ChannelWeb,
	}, queue.Options{})
	require.NoError(t, err)

	runWorker(t, f)

	// Synthetic error event arrives after the single (permanent) failure.
	ev := waitEvent(t, f)
	assert.Equal(t, "error", ev.Response.Model)
	assert.True(t, strings.HasPrefix(ev.Response.Text, "Sorry, something went wrong"))

	status, err := f.queue.Status(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.Equal(t, 0, gen.callCount())
}

func TestTransientFailureRetriesThenErrors(t *testing.T) {
	gen := &fakeResponder{err: responder.ErrUnavailable}
	f := newFixture(t, gen, fastPolicy())

	enqueue(t, f, "job-1", nil)
	runWorker(t, f)

	// Exactly one synthetic event, after the attempt budget is spent.
	ev := waitEvent(t, f)
	assert.Equal(t, "error", ev.Response.Model)
	assert.Equal(t, "error", ev.Response.FinishReason)

	status, err := f.queue.Status(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, 3, gen.callCount())

	select {
	case extra := <-f.events:
		t.Fatalf("unexpected second event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStoreFailuresDoNotBlockDelivery(t *testing.T) {
	gen := &fakeResponder{reply: &responder.Reply{Text: "hi", Model: "m"}}
	f := newFixture(t, gen, fastPolicy())
	f.store.FailSaves = true

	enqueue(t, f, "job-1", store.Metadata{"userMessageId": "user-msg-1"})
	runWorker(t, f)

	// Persistence is down but the response still goes out.
	ev := waitEvent(t, f)
	assert.Equal(t, "hi", ev.Response.Text)

	require.Eventually(t, func() bool {
		status, err := f.queue.Status(t.Context(), "job-1")
		require.NoError(t, err)
		return status.State == queue.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("boom")
	assert.True(t, isPermanent(Permanent(base)))
	assert.False(t, isPermanent(base))
	assert.ErrorIs(t, Permanent(base), base)
}
