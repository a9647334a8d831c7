// ABOUTME: Tests for the delivery router's fan-out behavior
// ABOUTME: Registry broadcast always happens; handler failures and panics stay contained

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/relay/internal/bus"
	"github.com/chatforge/relay/internal/registry"
	"github.com/chatforge/relay/internal/store"
)

type fakeHandler struct {
	mu         sync.Mutex
	name       string
	canDeliver bool
	err        error
	panics     bool
	delivered  []*bus.Event
}

func (h *fakeHandler) Name() string                     { return h.name }
func (h *fakeHandler) CanDeliver(event *bus.Event) bool { return h.canDeliver }

func (h *fakeHandler) Deliver(ctx context.Context, event *bus.Event) error {
	if h.panics {
		panic("handler exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.delivered = append(h.delivered, event)
	return nil
}

func (h *fakeHandler) deliveredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

type countingConn struct {
	mu       sync.Mutex
	payloads []any
}

func (c *countingConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, v)
	return nil
}

func (c *countingConn) Close() error { return nil }

func (c *countingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func whatsappEvent() *bus.Event {
	return &bus.Event{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		AgentID:        "agent-1",
		Response:       bus.Response{Text: "hello", Model: "test-model", FinishReason: "stop"},
		Channel:        store.ChannelWhatsApp,
		Metadata:       store.Metadata{"phoneNumber": "5511999999999"},
		Timestamp:      time.Now(),
	}
}

func newTestRouter(handler Handler) (*Router, *registry.Registry, *countingConn) {
	reg := registry.New(true, nil)
	conn := &countingConn{}
	reg.Register("ws-1", conn)
	reg.Join("ws-1", "agent-1", "conv-1")

	handlers := map[store.Channel]Handler{}
	if handler != nil {
		handlers[store.ChannelWhatsApp] = handler
	}
	return NewRouter(bus.New(nil), reg, handlers), reg, conn
}

func TestDispatchDeliversToRegistryAndHandler(t *testing.T) {
	handler := &fakeHandler{name: "whatsapp", canDeliver: true}
	router, _, conn := newTestRouter(handler)

	router.Dispatch(t.Context(), whatsappEvent())

	assert.Equal(t, 1, conn.count())
	assert.Equal(t, 1, handler.deliveredCount())
}

func TestDispatchWithoutHandlerStillBroadcasts(t *testing.T) {
	router, _, conn := newTestRouter(nil)

	event := whatsappEvent()
	event.Channel = store.ChannelWeb
	router.Dispatch(t.Context(), event)

	assert.Equal(t, 1, conn.count())
}

func TestHandlerErrorDoesNotAffectRegistry(t *testing.T) {
	handler := &fakeHandler{name: "whatsapp", canDeliver: true, err: errors.New("send failed")}
	router, _, conn := newTestRouter(handler)

	router.Dispatch(t.Context(), whatsappEvent())

	assert.Equal(t, 1, conn.count())
}

func TestHandlerPanicIsContained(t *testing.T) {
	handler := &fakeHandler{name: "whatsapp", canDeliver: true, panics: true}
	router, _, conn := newTestRouter(handler)

	require.NotPanics(t, func() {
		router.Dispatch(t.Context(), whatsappEvent())
	})
	assert.Equal(t, 1, conn.count())
}

func TestUnmetPreconditionSkipsHandler(t *testing.T) {
	handler := &fakeHandler{name: "whatsapp", canDeliver: false}
	router, _, conn := newTestRouter(handler)

	router.Dispatch(t.Context(), whatsappEvent())

	assert.Equal(t, 0, handler.deliveredCount())
	assert.Equal(t, 1, conn.count())
}

func TestRunRoutesBusEvents(t *testing.T) {
	handler := &fakeHandler{name: "whatsapp", canDeliver: true}
	reg := registry.New(true, nil)
	conn := &countingConn{}
	reg.Register("ws-1", conn)
	reg.Join("ws-1", "agent-1", "conv-1")

	b := bus.New(nil)
	defer b.Close()
	router := NewRouter(b, reg, map[store.Channel]Handler{store.ChannelWhatsApp: handler})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go router.Run(ctx)

	// Give the subscriptions a moment to land before publishing.
	require.Eventually(t, func() bool {
		b.Publish(whatsappEvent())
		return handler.deliveredCount() > 0 && conn.count() > 0
	}, 5*time.Second, 50*time.Millisecond)
}
