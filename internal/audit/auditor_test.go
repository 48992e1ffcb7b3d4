package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

type fakeAuditStore struct {
	dups    []GrainDuplicate
	dupsErr error

	scalars map[string]float64
	queries []string
	err     error
}

func (s *fakeAuditStore) GrainDuplicates(_ context.Context, _ string, _ []string) ([]GrainDuplicate, error) {
	return s.dups, s.dupsErr
}

func (s *fakeAuditStore) AuditScalar(_ context.Context, _, query string) (float64, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return 0, s.err
	}

	return s.scalars[query], nil
}

func auditSource(audits ...source.Audit) *source.Config {
	return &source.Config{
		Name:   "customers",
		Table:  "public.customers",
		Grain:  []string{"id"},
		Audits: audits,
	}
}

func newTestAuditor(cfg *source.Config, store Store) *Auditor {
	return New(cfg, store, "stage_customers_42", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ==============================================================================
// Unit Tests: Grain Uniqueness
// ==============================================================================

func TestAuditPassesOnUniqueGrain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := newTestAuditor(auditSource(), &fakeAuditStore{})

	if err := a.Audit(context.Background()); err != nil {
		t.Fatalf("Audit() = %v", err)
	}
}

func TestAuditRejectsDuplicatedGrain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeAuditStore{dups: []GrainDuplicate{
		{GrainKey: "7", Count: 3},
		{GrainKey: "9", Count: 2},
	}}
	a := newTestAuditor(auditSource(source.Audit{Name: "never_runs", Query: "SELECT 1"}), store)

	err := a.Audit(context.Background())
	if pipeline.KindOf(err) != pipeline.KindGrainValidation {
		t.Fatalf("Audit() = %v, want a GrainValidationError", err)
	}
	if !strings.Contains(err.Error(), "7 (3 rows)") {
		t.Errorf("Audit() = %v, want the duplicate sample in the message", err)
	}

	// Declared audits must not run once the grain check failed.
	if len(store.queries) != 0 {
		t.Errorf("queries = %v, want none", store.queries)
	}
}

func TestAuditWrapsGrainCheckErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeAuditStore{dupsErr: errors.New("stage gone")}
	a := newTestAuditor(auditSource(), store)

	err := a.Audit(context.Background())
	if pipeline.KindOf(err) != pipeline.KindAuditFailed {
		t.Fatalf("Audit() = %v, want an AuditFailedError", err)
	}
}

// ==============================================================================
// Unit Tests: Declared Audits
// ==============================================================================

func TestAuditRunsDeclaredAuditsInOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeAuditStore{scalars: map[string]float64{
		"SELECT COUNT(*) FROM {stage}":               100,
		"SELECT COUNT(*) FROM {stage} WHERE amt < 0": 0,
	}}
	cfg := auditSource(
		source.Audit{Name: "row_count", Query: "SELECT COUNT(*) FROM {stage}", Predicate: ">", Expected: 0},
		source.Audit{Name: "no_negatives", Query: "SELECT COUNT(*) FROM {stage} WHERE amt < 0", Predicate: "=", Expected: 0},
	)

	if err := newTestAuditor(cfg, store).Audit(context.Background()); err != nil {
		t.Fatalf("Audit() = %v", err)
	}

	if len(store.queries) != 2 || store.queries[0] != cfg.Audits[0].Query {
		t.Errorf("queries = %v, want both audits in declaration order", store.queries)
	}
}

func TestAuditStopsAtFirstFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeAuditStore{scalars: map[string]float64{"SELECT COUNT(*) FROM {stage}": 0}}
	cfg := auditSource(
		source.Audit{Name: "row_count", Query: "SELECT COUNT(*) FROM {stage}", Predicate: ">", Expected: 0},
		source.Audit{Name: "never_runs", Query: "SELECT 1", Predicate: "=", Expected: 1},
	)

	err := newTestAuditor(cfg, store).Audit(context.Background())
	if pipeline.KindOf(err) != pipeline.KindAuditFailed {
		t.Fatalf("Audit() = %v, want an AuditFailedError", err)
	}
	if !strings.Contains(err.Error(), "row_count") {
		t.Errorf("Audit() = %v, want the failing audit named", err)
	}
	if len(store.queries) != 1 {
		t.Errorf("queries = %v, want evaluation to stop at the first failure", store.queries)
	}
}

func TestAuditWrapsQueryErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeAuditStore{err: errors.New("syntax error")}
	cfg := auditSource(source.Audit{Name: "broken", Query: "SELECT nope", Predicate: "=", Expected: 0})

	err := newTestAuditor(cfg, store).Audit(context.Background())
	if pipeline.KindOf(err) != pipeline.KindAuditFailed {
		t.Fatalf("Audit() = %v, want an AuditFailedError", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Audit() = %v, want the audit named", err)
	}
}

// ==============================================================================
// Unit Tests: Predicates
// ==============================================================================

func TestSatisfies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		got       float64
		predicate string
		expected  float64
		want      bool
	}{
		{got: 5, predicate: "=", expected: 5, want: true},
		{got: 5, predicate: "=", expected: 4, want: false},
		{got: 5, predicate: "!=", expected: 4, want: true},
		{got: 5, predicate: "!=", expected: 5, want: false},
		{got: 3, predicate: "<", expected: 5, want: true},
		{got: 5, predicate: "<", expected: 5, want: false},
		{got: 5, predicate: "<=", expected: 5, want: true},
		{got: 6, predicate: "<=", expected: 5, want: false},
		{got: 6, predicate: ">", expected: 5, want: true},
		{got: 5, predicate: ">", expected: 5, want: false},
		{got: 5, predicate: ">=", expected: 5, want: true},
		{got: 4, predicate: ">=", expected: 5, want: false},
		{got: 1, predicate: "~", expected: 1, want: false},
	}

	for _, tt := range tests {
		if got := Satisfies(tt.got, tt.predicate, tt.expected); got != tt.want {
			t.Errorf("Satisfies(%v, %q, %v) = %v, want %v", tt.got, tt.predicate, tt.expected, got, tt.want)
		}
	}
}
