// ABOUTME: API delivery handler posting responses to caller-supplied callback URLs
// ABOUTME: Custom headers come from callbackHeaders metadata as a JSON object

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatforge/relay/internal/bus"
)

const callbackTimeout = 30 * time.Second

// APIHandler delivers responses by POSTing them to the callback URL the
// caller attached to the original message.
type APIHandler struct {
	client *http.Client
}

// NewAPIHandler creates the handler.
func NewAPIHandler() *APIHandler {
	return &APIHandler{
		client: &http.Client{Timeout: callbackTimeout},
	}
}

func (h *APIHandler) Name() string {
	return "api"
}

// CanDeliver requires a callback URL in the event metadata.
func (h *APIHandler) CanDeliver(event *bus.Event) bool {
	return event.Metadata.Get("callbackUrl") != ""
}

type callbackBody struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId"`
	Message        string `json:"message"`
	Model          string `json:"model"`
	TokensUsed     int    `json:"tokensUsed"`
	FinishReason   string `json:"finishReason"`
	Timestamp      string `json:"timestamp"`
	ProcessingMs   int64  `json:"processingTime"`
}

// Deliver POSTs the response as JSON, applying any caller-supplied headers.
func (h *APIHandler) Deliver(ctx context.Context, event *bus.Event) error {
	body, err := json.Marshal(callbackBody{
		MessageID:      event.MessageID,
		ConversationID: event.ConversationID,
		AgentID:        event.AgentID,
		Message:        event.Response.Text,
		Model:          event.Response.Model,
		TokensUsed:     event.Response.TokensUsed,
		FinishReason:   event.Response.FinishReason,
		Timestamp:      event.Timestamp.UTC().Format(time.RFC3339),
		ProcessingMs:   event.ProcessingTime.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshaling callback body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.Metadata.Get("callbackUrl"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if raw := event.Metadata.Get("callbackHeaders"); raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return fmt.Errorf("parsing callback headers: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
