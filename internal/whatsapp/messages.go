// ABOUTME: Inbound protocol message handling for the session manager
// ABOUTME: Identity resolution, self-sent message sync, and pipeline handoff

package whatsapp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chatforge/relay/internal/pipeline"
	"github.com/chatforge/relay/internal/store"
)

// identity is the resolved addressing for one inbound message.
type identity struct {
	phone string // normalized phone number, "" when the network withheld it
	name  string
}

// resolveIdentity maps the message's addressing onto a canonical identity.
// Order: phone JID directly; the alternate JID when the chat id is opaque;
// the protocol layer's LID mapping; finally no phone at all. An opaque id is
// never stored as a phone number.
func resolveIdentity(sock Socket, e MessageEvent) identity {
	name := e.PushName

	switch {
	case IsPhoneJID(e.ChatJID):
		return identity{phone: PhoneFromJID(e.ChatJID), name: name}
	case e.AltJID != "" && IsPhoneJID(e.AltJID):
		return identity{phone: PhoneFromJID(e.AltJID), name: name}
	case IsLID(e.ChatJID):
		if mapped := sock.PhoneForLID(e.ChatJID); mapped != "" {
			return identity{phone: PhoneFromJID(mapped), name: name}
		}
	}

	if name == "" {
		name = hiddenContactName
	}
	return identity{name: name}
}

// handleMessage processes one protocol message event: dedupe, identity
// resolution, then either the self-sent sync path or the inbound job path.
func (m *Manager) handleMessage(s *session, sock Socket, e MessageEvent) {
	if e.Text == "" {
		return
	}
	if m.seen.Seen(s.key + ":" + e.ID) {
		m.logger.Debug("duplicate message dropped", "session", s.key, "protocol_id", e.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	who := resolveIdentity(sock, e)
	conv, err := m.findOrCreateConversation(ctx, s, e, who)
	if err != nil {
		m.logger.Error("resolving conversation failed",
			"session", s.key,
			"chat", e.ChatJID,
			"error", err,
		)
		return
	}
	m.reconcileConversation(ctx, conv, e, who)

	if e.FromMe {
		m.syncOwnMessage(ctx, s, conv, e)
		return
	}

	metadata := store.Metadata{
		"whatsappChatId": e.ChatJID,
		"sessionId":      s.sessionID,
	}
	if who.phone != "" {
		metadata["phoneNumber"] = who.phone
	}
	if who.name != "" {
		metadata["name"] = who.name
	}

	receipt, err := m.enq.EnqueueMessage(ctx, pipeline.EnqueueRequest{
		ConversationID: conv.ID,
		AgentID:        s.agentID,
		Content:        e.Text,
		Channel:        store.ChannelWhatsApp,
		Metadata:       metadata,
	})
	if err != nil {
		m.logger.Error("enqueuing inbound message failed",
			"session", s.key,
			"conversation_id", conv.ID,
			"error", err,
		)
		return
	}
	m.logger.Info("inbound message enqueued",
		"session", s.key,
		"conversation_id", conv.ID,
		"message_id", receipt.MessageID,
	)
}

// findOrCreateConversation reuses the contact's conversation regardless of
// which addressing scheme this message arrived with.
func (m *Manager) findOrCreateConversation(ctx context.Context, s *session, e MessageEvent, who identity) (*store.Conversation, error) {
	conv, err := m.store.FindByIdentity(ctx, store.ChannelWhatsApp, s.agentID, who.phone, e.ChatJID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &store.Conversation{
		ID:          uuid.NewString(),
		AgentID:     s.agentID,
		Channel:     store.ChannelWhatsApp,
		Identity:    who.phone,
		ChatID:      e.ChatJID,
		ContactName: who.name,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	m.logger.Info("conversation created",
		"session", s.key,
		"conversation_id", conv.ID,
		"chat", e.ChatJID,
	)
	return conv, nil
}

// reconcileConversation corrects stored addressing in place as later
// messages reveal more: the real phone number behind an opaque contact, the
// network's migration of a chat to an opaque id, or a usable display name.
// All writes are best-effort.
func (m *Manager) reconcileConversation(ctx context.Context, conv *store.Conversation, e MessageEvent, who identity) {
	if who.phone != "" && conv.Identity != who.phone {
		if conv.Identity == "" {
			m.logger.Info("learned phone number for opaque contact",
				"conversation_id", conv.ID,
			)
		}
		if err := m.store.UpdateIdentity(ctx, conv.ID, who.phone); err != nil {
			m.logger.Warn("identity correction failed", "conversation_id", conv.ID, "error", err)
		} else {
			conv.Identity = who.phone
		}
	}

	if IsLID(e.ChatJID) && conv.ChatID != e.ChatJID {
		if err := m.store.UpdateChatID(ctx, conv.ID, e.ChatJID); err != nil {
			m.logger.Warn("chat id update failed", "conversation_id", conv.ID, "error", err)
		} else {
			conv.ChatID = e.ChatJID
		}
	}

	if !e.FromMe && who.name != "" && who.name != hiddenContactName {
		if conv.ContactName == "" || conv.ContactName == hiddenContactName {
			if err := m.store.UpdateContactName(ctx, conv.ID, who.name); err != nil {
				m.logger.Warn("contact name update failed", "conversation_id", conv.ID, "error", err)
			} else {
				conv.ContactName = who.name
			}
		}
	}
}

// syncPayload mirrors the push shape live dashboards already consume for
// responder output.
type syncPayload struct {
	Type string          `json:"type"`
	Data syncPayloadData `json:"data"`
}

type syncPayloadData struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	Role           string    `json:"role"`
	Synced         bool      `json:"synced"`
}

// syncOwnMessage records a message the operator sent from the linked device
// itself. It lands in history as an already-delivered assistant message and
// is pushed to live dashboards only. It must never reach the response bus:
// the whatsapp delivery handler would send it to the contact a second time.
func (m *Manager) syncOwnMessage(ctx context.Context, s *session, conv *store.Conversation, e MessageEvent) {
	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		AgentID:        s.agentID,
		Role:           store.RoleAssistant,
		Content:        e.Text,
		Channel:        store.ChannelWhatsApp,
		Metadata:       store.Metadata{"whatsappChatId": e.ChatJID, "synced": "true"},
		Status:         store.StatusDelivered,
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		m.logger.Warn("persisting synced message failed",
			"session", s.key,
			"conversation_id", conv.ID,
			"error", err,
		)
	}

	sent := m.push.BroadcastToAgentOrConversation(s.agentID, conv.ID, syncPayload{
		Type: "message",
		Data: syncPayloadData{
			MessageID:      msg.ID,
			ConversationID: conv.ID,
			Message:        e.Text,
			Timestamp:      time.Now().UTC(),
			Role:           store.RoleAssistant,
			Synced:         true,
		},
	})
	m.logger.Debug("synced self-sent message",
		"session", s.key,
		"conversation_id", conv.ID,
		"pushed", sent,
	)
}
