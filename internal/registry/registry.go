// ABOUTME: Process-wide registry of live push connections with conversation/agent affinity
// ABOUTME: Supports point-to-point send, conversation broadcast, and best-effort fan-out

package registry

import (
	"log/slog"
	"sync"
)

// Conn is the write side of one live push connection. Implementations must
// be safe for concurrent writes or serialize internally (see WSConn).
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Record describes one registered connection. AgentID and ConversationID are
// empty until the client joins a conversation.
type Record struct {
	ID             string
	AgentID        string
	ConversationID string
	Open           bool
}

type connection struct {
	Record
	conn Conn
}

// Registry is the process-wide map of live push connections. It must be a
// single shared instance: the delivery router, inbound webhook handlers, and
// outbound senders all need to observe the same live set.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection
	fallbackAll bool
	logger      *slog.Logger
}

// New creates a registry. fallbackAll controls whether broadcasts with no
// matching connection fall back to every open connection.
func New(fallbackAll bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]*connection),
		fallbackAll: fallbackAll,
		logger:      logger.With("component", "registry"),
	}
}

// Register adds a live connection under the given id.
func (r *Registry) Register(connID string, conn Conn) {
	r.mu.Lock()
	r.connections[connID] = &connection{
		Record: Record{ID: connID, Open: true},
		conn:   conn,
	}
	total := len(r.connections)
	r.mu.Unlock()

	r.logger.Info("connection registered", "conn_id", connID, "total", total)
}

// Unregister removes a connection. Safe to call for unknown ids.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	_, existed := r.connections[connID]
	delete(r.connections, connID)
	total := len(r.connections)
	r.mu.Unlock()

	if existed {
		r.logger.Info("connection unregistered", "conn_id", connID, "total", total)
	}
}

// Join records the conversation and agent a connection is watching.
func (r *Registry) Join(connID, agentID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[connID]
	if !ok {
		return false
	}
	c.AgentID = agentID
	c.ConversationID = conversationID
	return true
}

// Get returns a copy of the connection's record.
func (r *Registry) Get(connID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connID]
	if !ok {
		return Record{}, false
	}
	return c.Record, true
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// SendTo writes a payload to one connection. A missing or closed connection
// is a logged no-op, not an error.
func (r *Registry) SendTo(connID string, payload any) bool {
	r.mu.RLock()
	c, ok := r.connections[connID]
	r.mu.RUnlock()

	if !ok || !c.Open {
		r.logger.Warn("cannot send: connection not available", "conn_id", connID)
		return false
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		r.logger.Warn("send failed", "conn_id", connID, "error", err)
		return false
	}
	return true
}

// BroadcastToConversation sends a payload to every open connection watching
// the conversation. Returns the number of successful sends.
func (r *Registry) BroadcastToConversation(conversationID string, payload any) int {
	targets := r.collect(func(c *connection) bool {
		return c.ConversationID == conversationID
	})
	return r.send(targets, payload)
}

// BroadcastToAgentOrConversation sends to every open connection matching the
// agent or the conversation. When nothing matches and the registry is
// non-empty, it falls back (if enabled) to broadcasting to all open
// connections, so externally-sourced messages with no known watcher still
// surface on live dashboards.
func (r *Registry) BroadcastToAgentOrConversation(agentID, conversationID string, payload any) int {
	targets := r.collect(func(c *connection) bool {
		return (agentID != "" && c.AgentID == agentID) ||
			(conversationID != "" && c.ConversationID == conversationID)
	})

	if len(targets) == 0 && r.fallbackAll {
		targets = r.collect(func(c *connection) bool { return true })
		if len(targets) > 0 {
			r.logger.Warn("no matching connection, falling back to broadcast-all",
				"agent_id", agentID,
				"conversation_id", conversationID,
				"targets", len(targets))
		}
	}
	return r.send(targets, payload)
}

// collect copies matching open connections under the read lock so sends
// happen without holding it.
func (r *Registry) collect(match func(*connection) bool) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*connection
	for _, c := range r.connections {
		if c.Open && match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) send(targets []*connection, payload any) int {
	sent := 0
	for _, c := range targets {
		if err := c.conn.WriteJSON(payload); err != nil {
			r.logger.Warn("broadcast send failed", "conn_id", c.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Close closes every connection and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.connections {
		_ = c.conn.Close()
		delete(r.connections, id)
	}
}
