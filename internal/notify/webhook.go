package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Alert levels in rising severity. The level drives the emoji prefix
// on the rendered title, matching what the operations channel expects.
const (
	LevelInfo     = "info"
	LevelSuccess  = "success"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

var levelEmoji = map[string]string{
	LevelInfo:     "ℹ️",
	LevelSuccess:  "✅",
	LevelWarning:  "⚠️",
	LevelError:    "❌",
	LevelCritical: "\U0001f6a8",
}

const webhookTimeout = 15 * time.Second

type (
	// Alert is one operational notice posted to the webhook. Alerts
	// carry context, never row data.
	Alert struct {
		Title     string         `json:"title"`
		Text      string         `json:"text"`
		Level     string         `json:"level"`
		Timestamp time.Time      `json:"timestamp"`
		Details   map[string]any `json:"details,omitempty"`
	}

	// Webhook posts alerts to the configured operations endpoint. An
	// empty URL disables it; sends become debug log lines.
	Webhook struct {
		url     string
		client  *http.Client
		retries int
		log     *slog.Logger
	}
)

// NewWebhook creates a Webhook. Pass an empty url to disable sending.
func NewWebhook(url string, retries int, log *slog.Logger) *Webhook {
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: webhookTimeout},
		retries: retries,
		log:     log,
	}
}

// Enabled reports whether a webhook URL is configured.
func (w *Webhook) Enabled() bool {
	return w.url != ""
}

// Send posts one alert, retrying over network failures and 5xx
// responses. The alert's title is prefixed with its level emoji.
func (w *Webhook) Send(ctx context.Context, alert Alert) error {
	if !w.Enabled() {
		w.log.Debug("webhook disabled, dropping alert", slog.String("title", alert.Title))

		return nil
	}

	if emoji, ok := levelEmoji[alert.Level]; ok {
		alert.Title = emoji + " " + alert.Title
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	return pipeline.Retry(ctx, w.retries, func() error {
		return w.post(ctx, payload)
	})
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: posting webhook: %w", pipeline.ErrTransient, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: webhook returned %s", pipeline.ErrTransient, resp.Status)
	default:
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
}
