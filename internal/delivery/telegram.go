// ABOUTME: Telegram delivery handler sending replies via the Bot API
// ABOUTME: Requires a telegramChatId in the event metadata

package delivery

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatforge/relay/internal/bus"
)

// TelegramAPI is the slice of the Bot API the handler needs.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramHandler delivers responses to Telegram chats.
type TelegramHandler struct {
	api TelegramAPI
}

// NewTelegramHandler creates the handler around an authorized bot client.
func NewTelegramHandler(api TelegramAPI) *TelegramHandler {
	return &TelegramHandler{api: api}
}

func (h *TelegramHandler) Name() string {
	return "telegram"
}

// CanDeliver requires a telegram chat id in the event metadata.
func (h *TelegramHandler) CanDeliver(event *bus.Event) bool {
	return event.Metadata.Get("telegramChatId") != ""
}

// Deliver sends the response text to the chat.
func (h *TelegramHandler) Deliver(ctx context.Context, event *bus.Event) error {
	chatID, err := strconv.ParseInt(event.Metadata.Get("telegramChatId"), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing telegram chat id: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, event.Response.Text)
	if _, err := h.api.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}
