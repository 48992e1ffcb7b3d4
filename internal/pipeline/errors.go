package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every terminal pipeline failure. The kind decides the
// audience: file-level kinds go to business stakeholders by email, internal
// kinds go to the operations webhook. KindCancelled is not an error.
type Kind string

// File-level kinds (stakeholder email, file quarantined, process continues).
const (
	KindMissingHeader     Kind = "MissingHeader"
	KindMissingColumns    Kind = "MissingColumns"
	KindNoDataInFile      Kind = "NoDataInFile"
	KindGrainValidation   Kind = "GrainValidationError"
	KindAuditFailed       Kind = "AuditFailedError"
	KindThresholdExceeded Kind = "ValidationThresholdExceeded"
	KindDuplicateFile     Kind = "DuplicateFile"
)

// Internal kinds (operations webhook, file quarantined, process continues
// except KindConfigError which is fatal at startup).
const (
	KindArchiveFailed     Kind = "ArchiveFailed"
	KindStageCreateFailed Kind = "StageCreateFailed"
	KindBulkInsertFailed  Kind = "BulkInsertFailed"
	KindPublishFailed     Kind = "PublishFailed"
	KindDBUnavailable     Kind = "DBUnavailable"
	KindStoreUnavailable  Kind = "StoreUnavailable"
	KindConfigError       Kind = "ConfigError"
	KindWorkerPanic       Kind = "WorkerPanic"
)

// KindCancelled marks cooperative cancellation. Logged, never notified.
const KindCancelled Kind = "Cancelled"

// FileLevel reports whether the kind is a business failure of the file
// itself rather than of the loader.
func (k Kind) FileLevel() bool {
	switch k {
	case KindMissingHeader, KindMissingColumns, KindNoDataInFile,
		KindGrainValidation, KindAuditFailed, KindThresholdExceeded, KindDuplicateFile:
		return true
	default:
		return false
	}
}

// Internal reports whether the kind is an operational failure of the loader.
func (k Kind) Internal() bool {
	return k != KindCancelled && !k.FileLevel()
}

// ErrTransient marks failures worth retrying: I/O timeouts, connection
// resets, database deadlocks. Adapters wrap qualifying errors with it;
// the retry helper tests for it with errors.Is.
var ErrTransient = errors.New("transient failure")

// Transient reports whether err carries the transient marker.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// LoadError is the terminal error of one file's pipeline. It carries the
// taxonomy kind, a human-readable detail for notifications and the load
// log, and the wrapped cause.
type LoadError struct {
	Kind   Kind
	Detail string
	Err    error
}

// Errorf builds a LoadError with a formatted detail message.
func Errorf(kind Kind, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError builds a LoadError around a cause.
func WrapError(kind Kind, err error, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// KindOf extracts the taxonomy kind from an error chain. Context
// cancellation maps to KindCancelled; anything unclassified is a
// WorkerPanic-grade internal fault only at the dispatcher boundary, so
// here it reports the zero Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	return ""
}
