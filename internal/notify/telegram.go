package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramTimeout = 5 * time.Second

// Telegram sends notifications through the Bot API's sendMessage call.
type Telegram struct {
	http   *resty.Client
	token  string
	chatID string
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier. An empty token or chat id yields
// a notifier that silently drops everything, so callers can wire it
// unconditionally.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		http: resty.New().
			SetBaseURL("https://api.telegram.org").
			SetTimeout(telegramTimeout),
		token:  token,
		chatID: chatID,
		logger: logger.With("component", "notify"),
	}
}

func severityIcon(s Severity) string {
	switch s {
	case Success:
		return "✅"
	case Warning:
		return "⚠️"
	case Critical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// Notify sends one message. Errors are logged, not returned.
func (t *Telegram) Notify(ctx context.Context, msg Message) {
	if t.token == "" || t.chatID == "" {
		return
	}

	text := fmt.Sprintf("%s *%s*\n\n%s", severityIcon(msg.Severity), msg.Title, msg.Body)
	for k, v := range msg.Fields {
		text += fmt.Sprintf("\n- *%s*: %s", k, v)
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return
	}
	if resp.StatusCode() != 200 {
		t.logger.Warn("telegram send rejected", "status", resp.StatusCode())
	}
}
