package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// ==============================================================================
// Unit Tests: Error Kind Classification
// ==============================================================================

func TestKindClassification(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fileLevel := []Kind{
		KindMissingHeader,
		KindMissingColumns,
		KindNoDataInFile,
		KindGrainValidation,
		KindAuditFailed,
		KindThresholdExceeded,
		KindDuplicateFile,
	}

	internal := []Kind{
		KindArchiveFailed,
		KindStageCreateFailed,
		KindBulkInsertFailed,
		KindPublishFailed,
		KindDBUnavailable,
		KindStoreUnavailable,
		KindConfigError,
		KindWorkerPanic,
	}

	for _, kind := range fileLevel {
		if !kind.FileLevel() {
			t.Errorf("%s.FileLevel() = false, want true", kind)
		}

		if kind.Internal() {
			t.Errorf("%s.Internal() = true, want false", kind)
		}
	}

	for _, kind := range internal {
		if !kind.Internal() {
			t.Errorf("%s.Internal() = false, want true", kind)
		}

		if kind.FileLevel() {
			t.Errorf("%s.FileLevel() = true, want false", kind)
		}
	}

	if KindCancelled.FileLevel() || KindCancelled.Internal() {
		t.Error("Cancelled must be neither file-level nor internal")
	}
}

// ==============================================================================
// Unit Tests: LoadError
// ==============================================================================

func TestLoadErrorFormat(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := Errorf(KindMissingColumns, "missing columns: %v", []string{"id", "age"})

	want := "MissingColumns: missing columns: [id age]"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestLoadErrorWrapsCause(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cause := errors.New("connection refused")
	err := WrapError(KindDBUnavailable, cause, "inserting batch at row %d", 401)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatal("errors.As(*LoadError) = false")
	}

	if loadErr.Kind != KindDBUnavailable {
		t.Errorf("Kind = %s, want %s", loadErr.Kind, KindDBUnavailable)
	}
}

func TestKindOf(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "load error",
			err:  Errorf(KindAuditFailed, "audit row_count: got 0"),
			want: KindAuditFailed,
		},
		{
			name: "wrapped load error",
			err:  fmt.Errorf("running audits: %w", Errorf(KindAuditFailed, "audit row_count: got 0")),
			want: KindAuditFailed,
		},
		{
			name: "context cancellation",
			err:  context.Canceled,
			want: KindCancelled,
		},
		{
			name: "context deadline",
			err:  context.DeadlineExceeded,
			want: KindCancelled,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: Kind(""),
		},
		{
			name: "nil",
			err:  nil,
			want: Kind(""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	marked := fmt.Errorf("%w: query timed out", ErrTransient)
	if !Transient(marked) {
		t.Error("Transient(marked) = false, want true")
	}

	if Transient(errors.New("schema mismatch")) {
		t.Error("Transient(plain) = true, want false")
	}

	if Transient(nil) {
		t.Error("Transient(nil) = true, want false")
	}
}
