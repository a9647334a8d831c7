// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDown = errors.New("store unavailable")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	conversations map[string]*Conversation
	messages      map[string]*Message

	// FailSaves makes SaveMessage and UpdateMessageStatus return an error,
	// for exercising best-effort side-effect paths.
	FailSaves bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

// AddAgent seeds an agent for lookup.
func (m *MockStore) AddAgent(agent *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *agent
	m.agents[a.ID] = &a
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	a := *agent
	return &a, nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves {
		return errDown
	}
	msgCopy := *msg
	if msgCopy.CreatedAt.IsZero() {
		msgCopy.CreatedAt = time.Now()
	}
	m.messages[msgCopy.ID] = &msgCopy
	return nil
}

// UpdateMessageStatus transitions a message's status.
func (m *MockStore) UpdateMessageStatus(ctx context.Context, id, status string, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves {
		return errDown
	}
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	return nil
}

// GetMessage returns a stored message for test assertions.
func (m *MockStore) GetMessage(id string) (*Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	msgCopy := *msg
	return &msgCopy, true
}

// MessageCount returns the number of stored messages.
func (m *MockStore) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// FindByIdentity matches on identity or chat id, mirroring the SQLite query.
func (m *MockStore) FindByIdentity(ctx context.Context, channel Channel, agentID, identity, chatID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conv := range m.conversations {
		if conv.Channel != channel || conv.AgentID != agentID {
			continue
		}
		if (conv.Identity != "" && conv.Identity == identity) ||
			(conv.ChatID != "" && conv.ChatID == chatID) {
			c := *conv
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *conv
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.conversations[c.ID] = &c
	return nil
}

// UpdateIdentity corrects the stored identity.
func (m *MockStore) UpdateIdentity(ctx context.Context, id, identity string) error {
	return m.updateConversation(id, func(c *Conversation) { c.Identity = identity })
}

// UpdateContactName updates the contact display name.
func (m *MockStore) UpdateContactName(ctx context.Context, id, name string) error {
	return m.updateConversation(id, func(c *Conversation) { c.ContactName = name })
}

// UpdateChatID updates the channel-native chat id.
func (m *MockStore) UpdateChatID(ctx context.Context, id, chatID string) error {
	return m.updateConversation(id, func(c *Conversation) { c.ChatID = chatID })
}

func (m *MockStore) updateConversation(id string, mutate func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	mutate(conv)
	conv.UpdatedAt = time.Now()
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
