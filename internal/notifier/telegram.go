// Package notifier escalates outcomes that need an operator: partial
// completions, repeated failures, startup and shutdown. Delivery failures are
// logged and swallowed; the keeper never blocks on a notification.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xvermeer/lbkeeper/internal/logger"
)

// Notifier delivers an operator-facing message.
type Notifier interface {
	Send(message string) error
}

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	botToken string
	chatID   string
	http     *http.Client
	logger   zerolog.Logger
}

// NewTelegram builds a Telegram notifier. Returns nil when the token or chat
// id is missing, which callers treat as "notifications disabled".
func NewTelegram(botToken, chatID string) *Telegram {
	if botToken == "" || chatID == "" {
		return nil
	}
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger.GetForComponent("notifier"),
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Send posts one message to the configured chat.
func (t *Telegram) Send(message string) error {
	payload, err := json.Marshal(telegramMessage{
		ChatID:    t.chatID,
		Text:      message,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to send telegram notification")
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Error().Int("status", resp.StatusCode).Msg("Telegram API rejected notification")
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
