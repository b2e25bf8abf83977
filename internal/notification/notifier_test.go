package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestDispatcher_Cooldown(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, time.Minute)
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	suppressed := 0
	d.OnSuppressed = func(string) { suppressed++ }

	d.Notify(Alert{Kind: "data_loss"})
	d.Notify(Alert{Kind: "data_loss"})
	d.Notify(Alert{Kind: "security_downgrade"})
	now = now.Add(time.Minute)
	d.Notify(Alert{Kind: "data_loss"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx) // drains the queue

	assert.Equal(t, []string{"data_loss", "security_downgrade", "data_loss"}, rec.kinds())
	assert.Equal(t, 1, suppressed)
}

func TestDispatcher_DeliveryFailureReported(t *testing.T) {
	rec := &recorder{err: errors.New("boom")}
	d := NewDispatcher(rec, 0)
	var failed int
	d.OnFailed = func(error) { failed++ }

	d.Notify(Alert{Kind: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	assert.Equal(t, 1, failed)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok, bad := &recorder{}, &recorder{err: errors.New("down")}
	err := Multi{ok, bad}.Send(context.Background(), Alert{Kind: "x"})
	assert.Error(t, err)
	assert.Len(t, ok.kinds(), 1)
	assert.Len(t, bad.kinds(), 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "data_loss", r.Header.Get(KindHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{
		Kind: "data_loss", Level: AlertWarning, Title: "bars evicted", Message: "BTC",
	})
	require.NoError(t, err)
	assert.Equal(t, "data_loss", got["kind"])
	assert.Equal(t, "WARNING", got["level"])
	assert.Equal(t, "market-pipeline", got["source"])
	assert.NotEmpty(t, got["ts"])
}

func TestWebhookNotifier_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Kind: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{
		Kind: "security_downgrade", Level: AlertCritical, Title: "TLS downgrade", Message: "db.internal",
	}))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "MarkdownV2", body["parse_mode"])
	text := body["text"].(string)
	assert.True(t, strings.Contains(text, `db\.internal`))
	assert.True(t, strings.Contains(text, "`security_downgrade`"), text)
}

func TestTelegramNotifier_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	err := n.Send(context.Background(), Alert{Kind: "flush_failed", Title: "x"})
	assert.ErrorContains(t, err, "chat not found")
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestFormatTelegram(t *testing.T) {
	got := formatTelegram(Alert{Kind: "data_loss", Level: AlertWarning, Title: "bars evicted", Message: "BTC 3 bars"})
	assert.Equal(t, "⚠️ *bars evicted* `data_loss`\n\nBTC 3 bars", got)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\*c\.d`, escapeMarkdown("a_b*c.d"))
	assert.Equal(t, `\\\!`, escapeMarkdown(`\!`))
}
