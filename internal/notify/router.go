package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

type (
	// Emailer sends stakeholder mail. EmailSender satisfies this; tests
	// substitute a recorder.
	Emailer interface {
		Send(ctx context.Context, to, cc []string, subject, body string, attachments ...Attachment) error
	}

	// Alerter posts operational alerts. Webhook satisfies this.
	Alerter interface {
		Send(ctx context.Context, alert Alert) error
	}

	// RouterParams wires a Router.
	RouterParams struct {
		Registry *source.Registry
		Email    Emailer
		Webhook  Alerter
		Limiter  *Limiter

		// DataTeamEmail is CC'd on every stakeholder mail.
		DataTeamEmail string

		Logger *slog.Logger
	}

	// Router sends each terminal failure to its audience: file-level
	// kinds to the owning source's stakeholders by email, internal
	// kinds to the operations webhook. Cancellations are logged only.
	Router struct {
		registry *source.Registry
		email    Emailer
		webhook  Alerter
		limiter  *Limiter
		dataTeam string
		log      *slog.Logger
	}
)

var _ pipeline.Notifier = (*Router)(nil)

// NewRouter creates a Router.
func NewRouter(p RouterParams) *Router {
	return &Router{
		registry: p.Registry,
		email:    p.Email,
		webhook:  p.Webhook,
		limiter:  p.Limiter,
		dataTeam: p.DataTeamEmail,
		log:      p.Logger,
	}
}

// NotifyFailure routes one failed load to its audience.
func (r *Router) NotifyFailure(ctx context.Context, result *pipeline.LoadResult) {
	switch {
	case result.ErrorKind == pipeline.KindCancelled:
		return
	case result.ErrorKind.FileLevel():
		r.emailStakeholders(ctx, result)
	default:
		r.alertOperations(ctx, result)
	}
}

// NotifyInternal raises an operational alert outside any load's
// terminal state.
func (r *Router) NotifyInternal(ctx context.Context, title, detail string) {
	if !r.limiter.Allow() {
		r.log.Warn("internal alert dropped by rate limit", slog.String("title", title))

		return
	}

	if err := r.webhook.Send(ctx, Alert{Title: title, Text: detail, Level: LevelError}); err != nil {
		r.log.Error("internal alert failed", slog.String("title", title), slog.Any("error", err))
	}
}

func (r *Router) emailStakeholders(ctx context.Context, result *pipeline.LoadResult) {
	if r.email == nil {
		r.log.Warn("no email transport configured, dropping stakeholder notice",
			slog.String("file", result.Filename))

		return
	}

	cfg, err := r.registry.Get(result.SourceName)
	if err != nil {
		r.log.Error("failure for unknown source", slog.String("source", result.SourceName))

		return
	}

	to := cfg.Notify.Emails
	cc := cfg.Notify.CC

	if r.dataTeam != "" {
		cc = append(append([]string{}, cc...), r.dataTeam)
	}

	if len(to) == 0 && len(cc) == 0 {
		r.log.Warn("source declares no notification recipients",
			slog.String("source", result.SourceName))

		return
	}

	if !r.limiter.Allow() {
		r.log.Warn("stakeholder email dropped by rate limit", slog.String("file", result.Filename))

		return
	}

	subject := fmt.Sprintf("FileLoader Failed: %s - %s", result.Filename, result.ErrorKind)

	if err := r.email.Send(ctx, to, cc, subject, failureBody(result)); err != nil {
		r.log.Error("stakeholder email failed",
			slog.String("file", result.Filename), slog.Any("error", err))
	}
}

func (r *Router) alertOperations(ctx context.Context, result *pipeline.LoadResult) {
	if !r.limiter.Allow() {
		r.log.Warn("operations alert dropped by rate limit", slog.String("file", result.Filename))

		return
	}

	alert := Alert{
		Title: fmt.Sprintf("FileLoader %s: %s", result.ErrorKind, result.Filename),
		Text:  result.ErrorDetail,
		Level: LevelError,
		Details: map[string]any{
			"source":       result.SourceName,
			"file_load_id": result.FileLoadID,
			"rows_read":    result.RowsRead,
			"duration_ms":  result.Duration().Milliseconds(),
		},
	}

	if err := r.webhook.Send(ctx, alert); err != nil {
		r.log.Error("operations alert failed",
			slog.String("file", result.Filename), slog.Any("error", err))
	}
}

// failureBody renders the stakeholder email: what failed, the counts,
// and a bounded sample of rejection reasons. The file_load_id line
// lets the data team find the full set in the dead letter queue.
func failureBody(result *pipeline.LoadResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "File %s for source %q failed to load.\n\n", result.Filename, result.SourceName)
	fmt.Fprintf(&b, "Failure: %s\n", result.ErrorKind)

	if result.ErrorDetail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", result.ErrorDetail)
	}

	fmt.Fprintf(&b, "\nRows read: %d\nRows valid: %d\nRows invalid: %d\n",
		result.RowsRead, result.RowsValid, result.RowsInvalid)
	fmt.Fprintf(&b, "\nReference for the data team: file_load_id %d\n", result.FileLoadID)

	if len(result.Failures) > 0 {
		fmt.Fprintf(&b, "\nSample of rejected rows (first %d):\n", len(result.Failures))

		for i := range result.Failures {
			f := &result.Failures[i]
			fmt.Fprintf(&b, "  row %d [%s]: %s\n",
				f.SourceRowNumber,
				strings.Join(f.FailedFields, ","),
				strings.Join(f.Reasons, "; "))
		}
	}

	return b.String()
}
