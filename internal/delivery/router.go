// ABOUTME: Delivery router fanning ResponseEvents out to live dashboards and channel handlers
// ABOUTME: Registry broadcast always happens; a handler failure never aborts its siblings

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatforge/relay/internal/bus"
	"github.com/chatforge/relay/internal/registry"
	"github.com/chatforge/relay/internal/store"
)

// Handler delivers a response on one channel.
type Handler interface {
	Name() string
	// CanDeliver is a cheap precondition check (e.g. "has a phone-like
	// identifier"). An unmet precondition is logged and skipped, not an error.
	CanDeliver(event *bus.Event) bool
	Deliver(ctx context.Context, event *bus.Event) error
}

// allChannels lists every topic the router subscribes to. Web events have no
// separate handler: the registry broadcast covers them.
var allChannels = []store.Channel{
	store.ChannelWeb,
	store.ChannelWhatsApp,
	store.ChannelTelegram,
	store.ChannelAPI,
}

// pushPayload is the JSON shape delivered to live push connections.
type pushPayload struct {
	Type string          `json:"type"`
	Data pushPayloadData `json:"data"`
}

type pushPayloadData struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Metadata       pushMeta  `json:"metadata"`
}

type pushMeta struct {
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokensUsed"`
	ProcessingMs int64  `json:"processingTime"`
	FinishReason string `json:"finishReason"`
}

// Router subscribes to every channel topic on the bus and dispatches each
// event to the registry plus the handler matching the event's origin channel.
type Router struct {
	bus      *bus.Bus
	registry *registry.Registry
	handlers map[store.Channel]Handler
	logger   *slog.Logger
}

// NewRouter creates a router over the given handler set. Handlers are keyed
// by the channel they serve; channels without a handler (web) only get the
// registry broadcast.
func NewRouter(b *bus.Bus, reg *registry.Registry, handlers map[store.Channel]Handler) *Router {
	return &Router{
		bus:      b,
		registry: reg,
		handlers: handlers,
		logger:   slog.Default().With("component", "delivery"),
	}
}

// Run subscribes to all channel topics and dispatches events until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range allChannels {
		events, _ := r.bus.Subscribe(ctx, bus.ChannelTopic(ch))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range events {
				r.Dispatch(ctx, event)
			}
		}()
	}
	wg.Wait()
	r.logger.Info("delivery router stopped")
}

// Dispatch delivers one event: always the registry broadcast, plus the
// channel handler if one exists. Both run concurrently; a failure in one is
// caught and logged without affecting the other.
func (r *Router) Dispatch(ctx context.Context, event *bus.Event) {
	r.logger.Debug("routing response",
		"message_id", event.MessageID,
		"channel", event.Channel,
		"conversation_id", event.ConversationID,
	)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer r.recoverDispatch(event, "registry")
		sent := r.registry.BroadcastToAgentOrConversation(event.AgentID, event.ConversationID, r.payload(event))
		r.logger.Debug("registry broadcast", "message_id", event.MessageID, "sent", sent)
	}()

	if handler, ok := r.handlers[event.Channel]; ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.recoverDispatch(event, handler.Name())
			r.deliver(ctx, handler, event)
		}()
	}

	wg.Wait()
}

func (r *Router) deliver(ctx context.Context, handler Handler, event *bus.Event) {
	if !handler.CanDeliver(event) {
		r.logger.Warn("delivery precondition unmet, skipping",
			"handler", handler.Name(),
			"message_id", event.MessageID,
		)
		return
	}
	if err := handler.Deliver(ctx, event); err != nil {
		r.logger.Error("delivery failed",
			"handler", handler.Name(),
			"message_id", event.MessageID,
			"error", err,
		)
		return
	}
	r.logger.Info("delivery successful",
		"handler", handler.Name(),
		"message_id", event.MessageID,
	)
}

func (r *Router) recoverDispatch(event *bus.Event, target string) {
	if p := recover(); p != nil {
		r.logger.Error("dispatch panicked",
			"target", target,
			"message_id", event.MessageID,
			"panic", p,
		)
	}
}

func (r *Router) payload(event *bus.Event) pushPayload {
	return pushPayload{
		Type: "message",
		Data: pushPayloadData{
			MessageID:      event.MessageID,
			ConversationID: event.ConversationID,
			Message:        event.Response.Text,
			Timestamp:      event.Timestamp,
			Metadata: pushMeta{
				Model:        event.Response.Model,
				TokensUsed:   event.Response.TokensUsed,
				ProcessingMs: event.ProcessingTime.Milliseconds(),
				FinishReason: event.Response.FinishReason,
			},
		},
	}
}
