// ABOUTME: WhatsApp delivery handler sending replies through the session manager
// ABOUTME: Requires a phone-like identifier or chat id in the event metadata

package delivery

import (
	"context"
	"fmt"

	"github.com/chatforge/relay/internal/bus"
)

// WhatsAppSender sends a text to a contact through whichever of the agent's
// sessions is connected. Implemented by the whatsapp session manager.
type WhatsAppSender interface {
	SendText(ctx context.Context, agentID, to, text string) error
}

// WhatsAppHandler delivers responses back onto the WhatsApp-like network.
type WhatsAppHandler struct {
	sender WhatsAppSender
}

// NewWhatsAppHandler creates the handler.
func NewWhatsAppHandler(sender WhatsAppSender) *WhatsAppHandler {
	return &WhatsAppHandler{sender: sender}
}

func (h *WhatsAppHandler) Name() string {
	return "whatsapp"
}

// CanDeliver requires a chat id or phone number in the event metadata.
func (h *WhatsAppHandler) CanDeliver(event *bus.Event) bool {
	return event.Metadata.Get("whatsappChatId") != "" || event.Metadata.Get("phoneNumber") != ""
}

// Deliver sends the response text to the contact. The chat id is preferred
// over the bare phone number: the network has been migrating chats to opaque
// ids and addressing by chat id follows the migration.
func (h *WhatsAppHandler) Deliver(ctx context.Context, event *bus.Event) error {
	to := event.Metadata.Get("whatsappChatId")
	if to == "" {
		to = event.Metadata.Get("phoneNumber")
	}
	if err := h.sender.SendText(ctx, event.AgentID, to, event.Response.Text); err != nil {
		return fmt.Errorf("sending whatsapp message: %w", err)
	}
	return nil
}
