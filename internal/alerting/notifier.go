package alerting

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/rs/zerolog"

	"listing-gate/internal/resilience"
)

// Severity orders notifications.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// ParseSeverity maps a string to a Severity, defaulting to INFO.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Message is one notification. Key identifies it for de-duplication.
type Message struct {
	Severity Severity
	Text     string
	Key      string
}

// Notifier delivers a message to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// telegram rejects longer texts
const telegramMaxText = 4096

// truncateText cuts s on a rune boundary so it fits in max UTF-16 code units,
// the unit Telegram counts message length in.
func truncateText(s string, max int) string {
	units := 0
	for _, r := range s {
		units += utf16.RuneLen(r)
	}
	if units <= max {
		return s
	}
	limit := max - len("...")
	units = 0
	for i, r := range s {
		units += utf16.RuneLen(r)
		if units > limit {
			return s[:i] + "..."
		}
	}
	return s
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *resilience.Client
	logger   zerolog.Logger
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier 构造 Telegram 告警器。Requests go through client, which
// retries transient failures behind the api.telegram.org breaker.
func NewTelegramNotifier(botToken, chatID, baseURL string, client *resilience.Client, logger zerolog.Logger) *TelegramNotifier {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("[%s] %s", msg.Severity, msg.Text)
	text = truncateText(text, telegramMaxText)
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	if err := n.client.PostJSON(ctx, url, payload, &result); err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if !result.OK {
		return resilience.Permanent(fmt.Errorf("telegram 返回 ok=false: %s", result.Description))
	}

	n.logger.Info().Str("severity", string(msg.Severity)).Str("key", msg.Key).Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes messages to the log instead of delivering them.
type LogNotifier struct {
	logger zerolog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier builds a dry-run notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs msg.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info().Str("severity", string(msg.Severity)).Str("key", msg.Key).Msg(msg.Text)
	return nil
}
