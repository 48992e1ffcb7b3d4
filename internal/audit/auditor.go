// Package audit verifies a fully written stage table before anything
// reaches the target: grain uniqueness first, then the source's
// declared audit queries.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

type (
	// GrainDuplicate is one duplicated grain key and how many stage
	// rows share it.
	GrainDuplicate struct {
		GrainKey string
		Count    int64
	}

	// Store is the read-only stage access the auditor needs.
	Store interface {
		// GrainDuplicates returns duplicated grain keys in the stage,
		// worst offenders first. Empty means the grain is unique.
		GrainDuplicates(ctx context.Context, stage string, grain []string) ([]GrainDuplicate, error)

		// AuditScalar runs one audit query against the stage, with
		// {stage} bound to the stage table, and returns its scalar.
		AuditScalar(ctx context.Context, stage, query string) (float64, error)
	}
)

// Auditor runs the post-write checks for one file load.
type Auditor struct {
	cfg   *source.Config
	store Store
	stage string
	log   *slog.Logger
}

var _ pipeline.Auditor = (*Auditor)(nil)

// New creates an Auditor for one stage table.
func New(cfg *source.Config, store Store, stage string, log *slog.Logger) *Auditor {
	return &Auditor{cfg: cfg, store: store, stage: stage, log: log}
}

// Audit checks grain uniqueness and then every declared audit, in
// declaration order, stopping at the first failure.
func (a *Auditor) Audit(ctx context.Context) error {
	dups, err := a.store.GrainDuplicates(ctx, a.stage, a.cfg.Grain)
	if err != nil {
		return pipeline.WrapError(pipeline.KindAuditFailed, err, "checking grain uniqueness")
	}
	if len(dups) > 0 {
		return pipeline.Errorf(pipeline.KindGrainValidation,
			"grain %v is not unique: %s", a.cfg.Grain, describeDuplicates(dups))
	}

	for i := 0; i < len(a.cfg.Audits); i++ {
		ad := &a.cfg.Audits[i]
		got, err := a.store.AuditScalar(ctx, a.stage, ad.Query)
		if err != nil {
			return pipeline.WrapError(pipeline.KindAuditFailed, err, "audit %q", ad.Name)
		}
		if !Satisfies(got, ad.Predicate, ad.Expected) {
			return pipeline.Errorf(pipeline.KindAuditFailed,
				"audit %q failed: got %v, want %s %v", ad.Name, got, ad.Predicate, ad.Expected)
		}
		a.log.Debug("audit passed", "audit", ad.Name, "observed", got)
	}
	return nil
}

// Satisfies evaluates `got <predicate> expected` for the predicates
// the source declaration allows.
func Satisfies(got float64, predicate string, expected float64) bool {
	switch predicate {
	case "=":
		return got == expected
	case "!=":
		return got != expected
	case "<":
		return got < expected
	case "<=":
		return got <= expected
	case ">":
		return got > expected
	case ">=":
		return got >= expected
	default:
		return false
	}
}

func describeDuplicates(dups []GrainDuplicate) string {
	parts := make([]string, len(dups))
	for i := 0; i < len(dups); i++ {
		parts[i] = fmt.Sprintf("%s (%d rows)", dups[i].GrainKey, dups[i].Count)
	}
	return strings.Join(parts, ", ")
}
