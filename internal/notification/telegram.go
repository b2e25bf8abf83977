package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier delivers alerts to one chat through the Bot API
// (ALERT_TELEGRAM_TOKEN, ALERT_TELEGRAM_CHAT_ID).
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// telegramReply is the Bot API envelope; Description explains a rejection.
type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     slog.With("component", "alerts", "sink", "telegram"),
	}
}

var levelBadge = map[AlertLevel]string{
	AlertInfo:     "ℹ️",
	AlertWarning:  "⚠️",
	AlertCritical: "🚨",
}

// formatTelegram renders an alert as MarkdownV2: badge and bold title, the
// kind as inline code, then the message.
func formatTelegram(alert Alert) string {
	var b strings.Builder
	if badge, ok := levelBadge[alert.Level]; ok {
		b.WriteString(badge)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "*%s*", escapeMarkdown(alert.Title))
	if alert.Kind != "" {
		fmt.Fprintf(&b, " `%s`", escapeCode(alert.Kind))
	}
	if alert.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(escapeMarkdown(alert.Message))
	}
	return b.String()
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(sendMessage{ChatID: t.chatID, Text: formatTelegram(alert), ParseMode: "MarkdownV2"})
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", alert.Kind, err)
	}

	endpoint := t.baseURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", alert.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", alert.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply telegramReply
		json.NewDecoder(resp.Body).Decode(&reply)
		return fmt.Errorf("telegram %s: status %d: %s", alert.Kind, resp.StatusCode, reply.Description)
	}
	t.log.Debug("alert delivered", "kind", alert.Kind)
	return nil
}

var (
	markdownEscaper = strings.NewReplacer(
		`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
		"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
		"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
	)
	codeEscaper = strings.NewReplacer(`\`, `\\`, "`", "\\`")
)

// escapeMarkdown escapes MarkdownV2 reserved characters in plain text.
func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// escapeCode escapes text placed inside an inline code span.
func escapeCode(s string) string { return codeEscaper.Replace(s) }
