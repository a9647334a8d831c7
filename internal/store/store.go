// ABOUTME: Store interfaces and data types for relay-gateway persistence
// ABOUTME: Defines Agent, Conversation, Message structs and the narrow read/write contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAgentNotFound is returned when an agent lookup fails. Jobs referencing
// a missing agent fail permanently — there is no point retrying.
var ErrAgentNotFound = errors.New("agent not found")

// Channel identifies the originating/destination medium of a conversation.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelAPI      Channel = "api"
)

// Metadata carries free-form per-channel delivery details.
// Known keys: websocketId, phoneNumber, whatsappChatId, telegramChatId,
// telegramUserId, callbackUrl, userMessageId, name, platform.
type Metadata map[string]string

// Get returns the value for key, or "" if absent. Safe on nil maps.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Clone returns a shallow copy so callers can add keys without aliasing.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Agent is the configuration needed to process a message on behalf of an agent.
type Agent struct {
	ID           string
	Name         string
	PromptConfig string
}

// Conversation links a contact on some channel to an agent.
// Identity holds the canonical phone-like identifier for external channels;
// it may be empty when the network only exposed an opaque id (see whatsapp
// package for the resolution rules).
type Conversation struct {
	ID          string
	AgentID     string
	Channel     Channel
	Identity    string // normalized phone number, may be empty
	ChatID      string // channel-native chat id (e.g. WhatsApp JID)
	ContactName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

// Message is one persisted message within a conversation.
type Message struct {
	ID             string
	ConversationID string
	AgentID        string
	UserID         string
	Role           string // "user" or "assistant"
	Content        string
	Channel        Channel
	Metadata       Metadata
	Status         string
	TokensUsed     int
	Model          string
	FinishReason   string
	ReplyToID      string
	ProcessingTime time.Duration
	CreatedAt      time.Time
}

// StatusUpdate carries the optional extras recorded on a status transition.
type StatusUpdate struct {
	Error       string
	ProcessedAt *time.Time
	DeliveredAt *time.Time
}

// AgentDirectory is the read contract for agent configuration.
type AgentDirectory interface {
	// GetAgent returns ErrAgentNotFound if no such agent exists.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
}

// MessageStore persists messages and their status transitions.
// All writes are best-effort from the pipeline's point of view: callers log
// failures but never fail delivery because of them.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	UpdateMessageStatus(ctx context.Context, id, status string, update StatusUpdate) error
}

// ConversationStore finds and maintains conversations keyed by contact identity.
type ConversationStore interface {
	// FindByIdentity matches on normalized identity or channel-native chat id,
	// so the same human resolves to one conversation regardless of which
	// addressing scheme a message arrived with. Returns ErrNotFound when no
	// conversation matches.
	FindByIdentity(ctx context.Context, channel Channel, agentID, identity, chatID string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	// UpdateIdentity corrects a stored identity in place once a later message
	// reveals the real phone number for a previously-opaque contact.
	UpdateIdentity(ctx context.Context, id, identity string) error
	UpdateContactName(ctx context.Context, id, name string) error
	UpdateChatID(ctx context.Context, id, chatID string) error
}

// Store bundles the collaborator contracts the pipeline consumes.
type Store interface {
	AgentDirectory
	MessageStore
	ConversationStore

	Close() error
}
