// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// DB exposes the underlying handle so the job queue can share one database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			prompt_config TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			channel      TEXT NOT NULL,
			identity     TEXT NOT NULL DEFAULT '',
			chat_id      TEXT NOT NULL DEFAULT '',
			contact_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_identity
			ON conversations(channel, agent_id, identity);
		CREATE INDEX IF NOT EXISTS idx_conversations_chat_id
			ON conversations(channel, agent_id, chat_id);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			agent_id         TEXT NOT NULL,
			user_id          TEXT NOT NULL DEFAULT '',
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			channel          TEXT NOT NULL,
			metadata_json    TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			tokens_used      INTEGER NOT NULL DEFAULT 0,
			model            TEXT NOT NULL DEFAULT '',
			finish_reason    TEXT NOT NULL DEFAULT '',
			reply_to_id      TEXT NOT NULL DEFAULT '',
			processing_ms    INTEGER NOT NULL DEFAULT 0,
			error            TEXT NOT NULL DEFAULT '',
			processed_at     TEXT,
			delivered_at     TEXT,
			created_at       TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant')),
			CHECK (status IN ('queued', 'processing', 'delivered', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetAgent returns ErrAgentNotFound if no such agent exists.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, prompt_config FROM agents WHERE id = ?`, agentID,
	).Scan(&agent.ID, &agent.Name, &agent.PromptConfig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return &agent, nil
}

// SaveAgent inserts or replaces an agent configuration.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, prompt_config, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, prompt_config = excluded.prompt_config`,
		agent.ID, agent.Name, agent.PromptConfig, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}
	return nil
}

// SaveMessage persists a message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (
			id, conversation_id, agent_id, user_id, role, content, channel,
			metadata_json, status, tokens_used, model, finish_reason,
			reply_to_id, processing_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.AgentID, msg.UserID, msg.Role,
		msg.Content, string(msg.Channel), string(meta), msg.Status,
		msg.TokensUsed, msg.Model, msg.FinishReason, msg.ReplyToID,
		msg.ProcessingTime.Milliseconds(), createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// UpdateMessageStatus transitions a message's status, recording optional extras.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id, status string, update StatusUpdate) error {
	var processedAt, deliveredAt any
	if update.ProcessedAt != nil {
		processedAt = update.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	if update.DeliveredAt != nil {
		deliveredAt = update.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET
			status = ?,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			processed_at = COALESCE(?, processed_at),
			delivered_at = COALESCE(?, delivered_at)
		 WHERE id = ?`,
		status, update.Error, update.Error, processedAt, deliveredAt, id,
	)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByIdentity matches a conversation by normalized identity or chat id.
func (s *SQLiteStore) FindByIdentity(ctx context.Context, channel Channel, agentID, identity, chatID string) (*Conversation, error) {
	// Identity match first; chat id match catches conversations stored before
	// the phone number was known.
	query := `
		SELECT id, agent_id, channel, identity, chat_id, contact_name, created_at, updated_at
		FROM conversations
		WHERE channel = ? AND agent_id = ?
		  AND ((identity != '' AND identity = ?) OR (chat_id != '' AND chat_id = ?))
		ORDER BY updated_at DESC
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, string(channel), agentID, identity, chatID)
	return scanConversation(row)
}

// GetConversation loads a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel, identity, chat_id, contact_name, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, channel, identity, chat_id, contact_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.AgentID, string(conv.Channel), conv.Identity, conv.ChatID,
		conv.ContactName, conv.CreatedAt.Format(time.RFC3339Nano), conv.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	return nil
}

// UpdateIdentity corrects the stored identity for a conversation.
func (s *SQLiteStore) UpdateIdentity(ctx context.Context, id, identity string) error {
	return s.updateConversationField(ctx, id, "identity", identity)
}

// UpdateContactName updates the display name for a conversation's contact.
func (s *SQLiteStore) UpdateContactName(ctx context.Context, id, name string) error {
	return s.updateConversationField(ctx, id, "contact_name", name)
}

// UpdateChatID updates the channel-native chat id for a conversation.
func (s *SQLiteStore) UpdateChatID(ctx context.Context, id, chatID string) error {
	return s.updateConversationField(ctx, id, "chat_id", chatID)
}

func (s *SQLiteStore) updateConversationField(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE conversations SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var channel, createdAt, updatedAt string
	err := row.Scan(&conv.ID, &conv.AgentID, &channel, &conv.Identity,
		&conv.ChatID, &conv.ContactName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	conv.Channel = Channel(channel)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		conv.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		conv.UpdatedAt = t
	}
	return &conv, nil
}
