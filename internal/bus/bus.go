// ABOUTME: In-memory fan-out pub/sub bus decoupling the worker from delivery
// ABOUTME: Publishes ResponseEvents on per-channel and per-conversation topics

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatforge/relay/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	channelTopicPrefix      = "channel:"
	conversationTopicPrefix = "conversation:"
)

// Response is the responder's answer carried inside a ResponseEvent.
type Response struct {
	Text         string
	TokensUsed   int
	Model        string
	FinishReason string
}

// Event is the published outcome of processing one job. Exactly one event is
// published per successfully or terminally-failed job. Synthetic error events
// carry Model "error".
type Event struct {
	MessageID      string
	ConversationID string
	AgentID        string
	Response       Response
	Channel        store.Channel
	Metadata       store.Metadata
	Timestamp      time.Time
	ProcessingTime time.Duration
}

// ChannelTopic is the topic receiving every event for one channel.
func ChannelTopic(ch store.Channel) string {
	return channelTopicPrefix + string(ch)
}

// ConversationTopic is the topic receiving every event for one conversation.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// Bus provides in-memory pub/sub for ResponseEvents. Each published event
// fans out on two topics: one keyed by the event's channel and one keyed by
// its conversation, so a subscriber can listen broadly (all whatsapp events)
// or narrowly (one conversation). Delivery is at-most-once with no
// persistence; slow subscribers drop events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish fans the event out on its channel topic and its conversation topic.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Bus) Publish(event *Event) {
	b.publishTopic(ChannelTopic(event.Channel), event)
	b.publishTopic(ConversationTopic(event.ConversationID), event)
}

// PublishBatch publishes each event independently. There is no atomicity
// across items; a slow subscriber may receive some events and drop others.
func (b *Bus) PublishBatch(events []*Event) {
	for _, event := range events {
		b.Publish(event)
	}
}

func (b *Bus) publishTopic(topic string, event *Event) {
	// Sends happen under the read lock. Unsubscribe and Close close channels
	// under the write lock, so a channel can never be closed mid-send; the
	// sends are non-blocking, so the lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
			// Sent
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"message_id", event.MessageID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("bus closed")
}
