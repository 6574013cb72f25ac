package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification is the context delivered for one fired alert.
type Notification struct {
	EventID       int64
	AlertID       int64
	Symbol        string
	DisplaySymbol string
	Condition     Condition
	Threshold     decimal.Decimal
	Price         decimal.Decimal
	Source        string
	TriggeredAt   time.Time
	OneShot       bool
}

// NewNotification pairs an appended event with the alert that produced it.
func NewNotification(a Alert, ev TriggerEvent) Notification {
	return Notification{
		EventID:       ev.ID,
		AlertID:       a.ID,
		Symbol:        a.Symbol,
		DisplaySymbol: a.DisplaySymbol,
		Condition:     a.Condition,
		Threshold:     a.Threshold,
		Price:         ev.TriggerPrice,
		Source:        ev.Source,
		TriggeredAt:   ev.TriggeredAt,
		OneShot:       a.OneShot,
	}
}

// Notifier delivers fired alerts to an external channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a notifier for one chat.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered text with sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Int64("alert_id", note.AlertID).
		Int64("event_id", note.EventID).
		Str("symbol", note.Symbol).
		Msg("alert delivered")
	return nil
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, note Notification) error {
	l.Logger.Info().Int64("alert_id", note.AlertID).
		Str("symbol", note.Symbol).
		Str("condition", string(note.Condition)).
		Str("threshold", note.Threshold.String()).
		Str("price", note.Price.String()).
		Msg("alert fired")
	return nil
}

func renderMessage(note Notification) string {
	symbol := note.DisplaySymbol
	if symbol == "" {
		symbol = note.Symbol
	}
	threshold := note.Threshold.String()
	if note.Condition.Percent() {
		threshold += "%"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[OpenBloom Alert] %s\n", symbol))
	builder.WriteString(fmt.Sprintf("Condition: %s %s\n", strings.ReplaceAll(string(note.Condition), "_", " "), threshold))
	builder.WriteString(fmt.Sprintf("Price: %s\n", note.Price.String()))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.TriggeredAt.UTC().Format(time.RFC3339)))
	if note.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	}
	if note.OneShot {
		builder.WriteString("One-shot alert, now disabled.\n")
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = LogNotifier{}
)
