// Package publish merges an audited stage table into its target and
// settles the dead letter queue for the grains it published.
package publish

import (
	"context"
	"log/slog"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

type (
	// Store merges the stage into the target table.
	Store interface {
		// Merge runs the counts and merge statements in one
		// transaction and reports inserted and rewritten rows.
		Merge(ctx context.Context, stage string, cfg *source.Config) (pipeline.PublishResult, error)
	}

	// DLQ prunes dead letter rows superseded by a published load.
	DLQ interface {
		DeleteSuperseded(ctx context.Context, stage string, cfg *source.Config) (int64, error)
	}
)

// Publisher merges one stage table into its target. Publish is a
// single attempt: a failed merge rolls back and the load fails, since
// retrying a partially applied publish risks double application on
// engines whose merge is not a single statement.
type Publisher struct {
	cfg   *source.Config
	store Store
	dlq   DLQ
	stage string
	log   *slog.Logger
}

var _ pipeline.Publisher = (*Publisher)(nil)

// New creates a Publisher for one stage table.
func New(cfg *source.Config, store Store, dlq DLQ, stage string, log *slog.Logger) *Publisher {
	return &Publisher{cfg: cfg, store: store, dlq: dlq, stage: stage, log: log}
}

// Publish merges the stage into the target, then prunes superseded
// dead letter rows. The prune is best effort: the merge is already
// committed, so its failure is logged but never fails the load.
func (p *Publisher) Publish(ctx context.Context) (pipeline.PublishResult, error) {
	result, err := p.store.Merge(ctx, p.stage, p.cfg)
	if err != nil {
		return result, pipeline.WrapError(pipeline.KindPublishFailed, err,
			"merging into %s", p.cfg.Table)
	}
	p.log.Info("published",
		"source", p.cfg.Name, "target", p.cfg.Table,
		"inserted", result.Inserted, "updated", result.Updated)

	pruned, err := p.dlq.DeleteSuperseded(ctx, p.stage, p.cfg)
	if err != nil {
		p.log.Warn("dead letter prune failed", "source", p.cfg.Name, "error", err)
		return result, nil
	}
	if pruned > 0 {
		p.log.Info("pruned superseded dead letter rows", "source", p.cfg.Name, "rows", pruned)
	}
	return result, nil
}
