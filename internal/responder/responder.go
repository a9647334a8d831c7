// ABOUTME: Client for the external responder service that generates replies
// ABOUTME: HTTP JSON implementation with bearer auth, hard timeout, and error taxonomy

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnavailable indicates the responder could not be reached or returned a
// server error. Transient: the queue's retry policy applies.
var ErrUnavailable = errors.New("responder unavailable")

// ErrTimeout indicates the responder did not answer within the hard timeout.
// Transient: the queue's retry policy applies.
var ErrTimeout = errors.New("responder timed out")

// ErrInvalidReply indicates the responder answered with an unusable payload.
var ErrInvalidReply = errors.New("invalid responder reply")

// Reply is the responder's answer to one message.
type Reply struct {
	Text         string
	TokensUsed   int
	Model        string
	FinishReason string
}

// Responder generates a reply for a message within a conversation. The
// service is a black box; it keeps its own conversation history keyed by
// conversation id.
type Responder interface {
	Generate(ctx context.Context, agentID, message, conversationID string) (*Reply, error)
}

// HTTPResponder calls the responder over HTTP with a JSON body.
type HTTPResponder struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPResponder creates a client for the responder at url. The timeout
// bounds the whole call; a zero timeout defaults to two minutes.
func NewHTTPResponder(url, token string, timeout time.Duration) *HTTPResponder {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPResponder{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "responder"),
	}
}

type generateRequest struct {
	AgentID        string `json:"agent_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type generateResponse struct {
	Message      string `json:"message"`
	TokensUsed   int    `json:"tokens_used"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
}

// Generate posts the message and maps transport failures onto the error
// taxonomy: timeouts to ErrTimeout, connection/server errors to
// ErrUnavailable, unusable bodies to ErrInvalidReply.
func (r *HTTPResponder) Generate(ctx context.Context, agentID, message, conversationID string) (*Reply, error) {
	body, err := json.Marshal(generateRequest{
		AgentID:        agentID,
		Message:        message,
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidReply, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	var gen generateResponse
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if gen.Message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidReply)
	}

	reply := &Reply{
		Text:         gen.Message,
		TokensUsed:   gen.TokensUsed,
		Model:        gen.Model,
		FinishReason: gen.FinishReason,
	}
	if reply.Model == "" {
		reply.Model = "unknown"
	}
	if reply.FinishReason == "" {
		reply.FinishReason = "stop"
	}
	return reply, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
