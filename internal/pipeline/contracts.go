package pipeline

import (
	"context"
	"io"

	"github.com/fileloader-io/fileloader/internal/source"
)

// Stage contracts. Each file load instantiates one value per stage;
// none of them is safe for concurrent use, and none is reused across
// files. Concrete implementations live in internal/reader,
// internal/validate, internal/write, internal/audit and
// internal/publish.
type (
	// Reader produces the file's records as a lazy sequence of
	// bounded batches.
	//
	// Open parses and checks the header (or schema, for self-describing
	// formats) before any batch is produced; header problems surface
	// here, not from NextBatch. NextBatch returns io.EOF after the last
	// batch. Close releases the underlying stream and is safe to call
	// after an error.
	Reader interface {
		Open(ctx context.Context) error
		NextBatch(ctx context.Context) (Batch, error)
		Close() error
	}

	// Validator applies the declared schema to one batch: type
	// coercion, nullability, per-field constraints and the streaming
	// grain pre-check. It keeps per-file state (grain tuples seen,
	// running invalid count) and must see batches in source order.
	Validator interface {
		ValidateBatch(batch Batch) ValidatedBatch

		// InvalidCount returns the running number of rejected records
		// across all batches seen so far.
		InvalidCount() int64
	}

	// Writer accumulates validated batches and bulk-inserts them:
	// valid records into the stage table, failures into the DLQ.
	// Flush drains both buffers and must be called at end of stream.
	Writer interface {
		Push(ctx context.Context, batch ValidatedBatch) error
		Flush(ctx context.Context) error
	}

	// Auditor verifies the fully written stage table: grain uniqueness
	// first, then the source's declared audit queries. Runs read-only;
	// a non-nil error fails the load before anything reaches the target.
	Auditor interface {
		Audit(ctx context.Context) error
	}

	// Publisher merges the stage table into the target by grain keys
	// and prunes DLQ rows superseded by the merge.
	Publisher interface {
		Publish(ctx context.Context) (PublishResult, error)
	}
)

// Runner dependencies. The pipeline defines what it needs; concrete
// implementations live in internal/filestore, internal/storage,
// internal/notify and internal/events, and assert against these
// interfaces at compile time.
type (
	// Blobs is the file-store view the runner and dispatcher need:
	// open a file for streaming, copy it into the archive, move it to
	// the duplicates or quarantine directory, and delete it from the
	// drop directory after publish.
	Blobs interface {
		// Open returns the raw byte stream of the object at location.
		Open(ctx context.Context, location string) (io.ReadCloser, error)

		// Copy duplicates the object at src to dst, leaving src in place.
		Copy(ctx context.Context, src, dst string) error

		// Move relocates the object at src to dst.
		Move(ctx context.Context, src, dst string) error

		// Delete removes the object at location.
		Delete(ctx context.Context, location string) error
	}

	// LoadLog is the file_load_log view the runner needs.
	LoadLog interface {
		// Allocate inserts a Running row for the file and returns its
		// new file_load_id. Allocation is serialisable across workers.
		Allocate(ctx context.Context, sourceName, filename string) (int64, error)

		// SetContentHash records the file's content hash once computed.
		SetContentHash(ctx context.Context, fileLoadID int64, hash string) error

		// SeenSucceeded reports whether a prior load of the same
		// (filename, hash) pair reached StateSucceeded.
		SeenSucceeded(ctx context.Context, filename, hash string) (bool, error)

		// RecordPhase updates the in-flight row's state column with
		// the phase just completed.
		RecordPhase(ctx context.Context, fileLoadID int64, phase Phase) error

		// Close writes the terminal state, row counts and error fields,
		// and stamps ended_at.
		Close(ctx context.Context, result *LoadResult) error
	}

	// Stager is the stage-table view the runner needs. Stage names are
	// derived from the source name and file_load_id so concurrent
	// loads never collide.
	Stager interface {
		// CreateStage creates the per-load stage table from the
		// source's schema and returns its name.
		CreateStage(ctx context.Context, cfg *source.Config, fileLoadID int64) (string, error)

		// DropStage removes the stage table. Dropping an already
		// dropped stage is not an error.
		DropStage(ctx context.Context, stage string) error
	}

	// Notifier routes terminal notices: file-level failures to the
	// source's stakeholders, internal failures to the operations
	// webhook. Implementations must not block the pipeline on slow
	// sinks beyond their own timeouts.
	Notifier interface {
		NotifyFailure(ctx context.Context, result *LoadResult)

		// NotifyInternal raises an operational alert that is not the
		// terminal state of a load: cleanup failures, unmatched files,
		// worker faults.
		NotifyInternal(ctx context.Context, title, detail string)
	}

	// EventSink publishes one terminal event per file load to the
	// event stream. A disabled sink accepts and drops events.
	EventSink interface {
		Emit(ctx context.Context, result *LoadResult)
	}

	// Hasher computes the content hash of the object at location.
	// When gzipped is set the stream is decompressed first, so
	// compressed and uncompressed uploads of the same content hash
	// identically.
	Hasher interface {
		Hash(ctx context.Context, location string, gzipped bool) (string, error)
	}

	// Stages builds the per-load stage instances. A factory rather
	// than a fixed set because the Writer, Auditor and Publisher need
	// the file_load_id and stage table name, which exist only after
	// allocation and staging.
	Stages interface {
		Reader(job FileJob, cfg *source.Config) (Reader, error)
		Validator(cfg *source.Config) Validator
		Writer(cfg *source.Config, job FileJob, fileLoadID int64, stage string) Writer
		Auditor(cfg *source.Config, stage string) Auditor
		Publisher(cfg *source.Config, stage string) Publisher
	}
)
