package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
)

// RunSummary is the end-of-run report posted to Slack: one message
// per invocation, not one per file.
type RunSummary struct {
	Processed int
	Succeeded int
	Failed    int
	Cancelled int
	Unmatched int

	// FailureLines carries one "file (source): kind" line per failed
	// load.
	FailureLines []string
}

// Slack posts run summaries through an incoming webhook. An empty URL
// disables it.
type Slack struct {
	webhookURL string
	log        *slog.Logger

	// post is swapped by tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack creates a Slack notifier. Pass an empty url to disable it.
func NewSlack(webhookURL string, log *slog.Logger) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		log:        log,
		post:       slack.PostWebhookContext,
	}
}

// SendRunSummary posts the summary. Best effort: a failed post is
// logged and swallowed, the run result never depends on Slack.
func (s *Slack) SendRunSummary(ctx context.Context, sum RunSummary) {
	if s.webhookURL == "" {
		s.log.Debug("slack disabled, skipping run summary")

		return
	}

	if err := s.post(ctx, s.webhookURL, &slack.WebhookMessage{Text: renderSummary(sum)}); err != nil {
		s.log.Warn("posting slack run summary failed", slog.Any("error", err))
	}
}

func renderSummary(sum RunSummary) string {
	var b strings.Builder

	icon := "✅"
	if sum.Failed > 0 {
		icon = "❌"
	}

	fmt.Fprintf(&b, "%s FileLoader run: %d processed, %d succeeded, %d failed",
		icon, sum.Processed, sum.Succeeded, sum.Failed)

	if sum.Cancelled > 0 {
		fmt.Fprintf(&b, ", %d cancelled", sum.Cancelled)
	}

	if sum.Unmatched > 0 {
		fmt.Fprintf(&b, ", %d unmatched", sum.Unmatched)
	}

	for _, line := range sum.FailureLines {
		b.WriteString("\n• ")
		b.WriteString(line)
	}

	return b.String()
}
