package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// KindHeader repeats Alert.Kind so receivers can route without decoding the body.
const KindHeader = "X-Alert-Kind"

// webhookPayload is the JSON body posted for every alert.
type webhookPayload struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint (ALERT_WEBHOOK_URL).
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
	log    *slog.Logger
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		log:    slog.With("component", "alerts", "sink", "webhook"),
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Source:  "market-pipeline",
		Kind:    alert.Kind,
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		TS:      w.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook %s: encode: %w", alert.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", alert.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(KindHeader, alert.Kind)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", alert.Kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: status %d", alert.Kind, resp.StatusCode)
	}
	w.log.Debug("alert delivered", "kind", alert.Kind, "level", alert.Level)
	return nil
}
