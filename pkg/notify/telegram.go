package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram delivers messages through the Bot API. Sends wait on a
// client-side rate limiter so report fan-out stays inside the Bot API
// per-bot limits.
type Telegram struct {
	baseURL string
	token   string
	chatIDs []string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTelegram creates a Telegram notifier. ratePerSec caps outgoing
// sendMessage calls and defaults to 1 per second.
func NewTelegram(token string, chatIDs []string, ratePerSec float64, logger *slog.Logger) *Telegram {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Telegram{
		baseURL: telegramAPIBase,
		token:   token,
		chatIDs: chatIDs,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:  logger,
	}
}

// FromViper creates a Telegram notifier from the notify.* configuration keys.
func FromViper(logger *slog.Logger) *Telegram {
	return NewTelegram(
		viper.GetString("notify.bot_token"),
		viper.GetStringSlice("notify.chat_ids"),
		viper.GetFloat64("notify.rate_per_sec"),
		logger,
	)
}

// Configured reports whether a bot token is present.
func (t *Telegram) Configured() bool {
	return t.token != ""
}

// Recipients returns the configured chat ids.
func (t *Telegram) Recipients() []string {
	return t.chatIDs
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers text to a single chat. It blocks on the rate limiter until
// a send slot is available or the context is done.
func (t *Telegram) Send(ctx context.Context, recipientID string, text string) error {
	if t.token == "" {
		return fmt.Errorf("no bot token configured")
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("error waiting for send slot: %v", err)
	}

	payload, err := json.Marshal(sendMessageRequest{ChatID: recipientID, Text: text})
	if err != nil {
		return fmt.Errorf("error encoding message: %v", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending message: %v", err)
	}
	defer resp.Body.Close()

	var result sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("error decoding response: %v", err)
	}
	if !result.OK {
		if result.Description != "" {
			return fmt.Errorf("telegram API error: %s", result.Description)
		}
		return fmt.Errorf("telegram API error: HTTP %d", resp.StatusCode)
	}

	t.logger.Debug("Notification delivered", "chatId", recipientID)
	return nil
}

// Broadcast sends text to every configured chat. Per-recipient failures are
// logged and counted, they never stop the fan-out.
func (t *Telegram) Broadcast(ctx context.Context, text string) (sent, failed int) {
	for _, chatID := range t.chatIDs {
		if err := t.Send(ctx, chatID, text); err != nil {
			failed++
			t.logger.Error("Failed to deliver notification", "chatId", chatID, "error", err)
			continue
		}
		sent++
	}
	return sent, failed
}
