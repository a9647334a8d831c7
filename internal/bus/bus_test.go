// ABOUTME: Tests for the in-memory pub/sub bus
// ABOUTME: Covers dual-topic fan-out, subscriber isolation, and drop-if-slow

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/relay/internal/store"
)

func testEvent(conversationID string, channel store.Channel) *Event {
	return &Event{
		MessageID:      "msg-1",
		ConversationID: conversationID,
		AgentID:        "agent-1",
		Response:       Response{Text: "hi", Model: "test-model"},
		Channel:        channel,
		Timestamp:      time.Now(),
	}
}

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesBothTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()

	byChannel, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelWhatsApp))
	byConversation, _ := b.Subscribe(t.Context(), ConversationTopic("conv-1"))

	b.Publish(testEvent("conv-1", store.ChannelWhatsApp))

	assert.Equal(t, "msg-1", receive(t, byChannel).MessageID)
	assert.Equal(t, "msg-1", receive(t, byConversation).MessageID)
}

func TestSubscriberIsolation(t *testing.T) {
	b := New(nil)
	defer b.Close()

	whatsapp, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelWhatsApp))
	web, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelWeb))
	otherConv, _ := b.Subscribe(t.Context(), ConversationTopic("conv-2"))

	b.Publish(testEvent("conv-1", store.ChannelWhatsApp))

	receive(t, whatsapp)
	select {
	case ev := <-web:
		t.Fatalf("web subscriber received foreign event %v", ev)
	case ev := <-otherConv:
		t.Fatalf("conversation subscriber received foreign event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New(nil)
	defer b.Close()

	first, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelWeb))
	second, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelWeb))

	b.Publish(testEvent("conv-1", store.ChannelWeb))

	assert.NotNil(t, receive(t, first))
	assert.NotNil(t, receive(t, second))
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelWeb))

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Publish past the buffer without anyone draining.
		for range subscriberBufferSize + 10 {
			b.Publish(testEvent("conv-1", store.ChannelWeb))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), ConversationTopic("conv-1"))
	b.Unsubscribe(ConversationTopic("conv-1"), subID)

	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	topic := ChannelTopic(store.ChannelWeb)

	// Publishing while subscribers churn must never send on a closed channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 500 {
			b.Publish(testEvent("conv-1", store.ChannelWeb))
		}
	}()
	for range 500 {
		_, subID := b.Subscribe(t.Context(), topic)
		b.Unsubscribe(topic, subID)
	}
	<-done
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx, ConversationTopic("conv-1"))
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestPublishBatch(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), ChannelTopic(store.ChannelAPI))

	b.PublishBatch([]*Event{
		testEvent("conv-1", store.ChannelAPI),
		testEvent("conv-2", store.ChannelAPI),
	})

	assert.Equal(t, "conv-1", receive(t, ch).ConversationID)
	assert.Equal(t, "conv-2", receive(t, ch).ConversationID)
}
