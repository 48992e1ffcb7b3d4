package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type (
	// FileJob is one discovered file handed to the dispatcher.
	//
	// Location is the full URI of the file inside the drop directory
	// (file://, s3://, gs:// or an Azure blob URL). Name is the base
	// filename used for source matching and deduplication.
	FileJob struct {
		// Location is the absolute URI of the file in the drop directory.
		Location string

		// Name is the base filename, e.g. "customers_2024-06-01.csv.gz".
		Name string

		// Size is the object size in bytes as reported by the listing,
		// -1 when the store does not report sizes.
		Size int64

		// DiscoveredAt is when the listing snapshot observed the file.
		DiscoveredAt time.Time
	}

	// Record is a single source row.
	//
	// Before validation, Fields holds the raw values as parsed by the
	// Reader (strings for CSV, native scalars for JSON/Excel/Parquet).
	// After validation, Fields holds the coerced typed values matching
	// the declared schema.
	Record struct {
		// RowNumber is the 1-based source row number used for error
		// attribution. For CSV and Excel it counts physical rows, so
		// the first data row after the header is row 2.
		RowNumber int64

		// Fields maps schema field names to values.
		Fields map[string]any
	}

	// Batch is an ordered run of records produced by one Reader pass.
	// Records preserve source order; StartRow is the row number of the
	// first record in the batch.
	Batch struct {
		StartRow int64
		Records  []Record
	}

	// ValidationFailure is one rejected record bound for the dead
	// letter queue. It mirrors a file_load_dlq row.
	ValidationFailure struct {
		// FileLoadID and SourceName are stamped by the Writer; the
		// Validator only knows about the record itself.
		FileLoadID int64
		SourceName string

		// SourceRowNumber is the 1-based row number in the source file.
		SourceRowNumber int64

		// GrainKey is the pipe-joined rendering of the record's grain
		// values, empty when a grain field itself failed coercion.
		GrainKey string

		// FailedFields names the schema fields that failed, in schema order.
		FailedFields []string

		// Reasons holds one human-readable reason per failed field.
		Reasons []string

		// OriginalRow is the raw record as read, serialised to JSON
		// when the row is persisted.
		OriginalRow map[string]any
	}

	// ValidatedBatch is the Validator's output for one Batch: the
	// records that passed with typed values, and the failures bound
	// for the DLQ. len(Valid)+len(Invalid) equals the input batch size.
	ValidatedBatch struct {
		Valid   []Record
		Invalid []ValidationFailure
	}

	// PublishResult reports what one merge changed in the target table.
	PublishResult struct {
		// Inserted counts stage rows that did not exist in the target.
		Inserted int64

		// Updated counts stage rows that matched an existing grain and
		// changed at least one non-grain column.
		Updated int64
	}

	// LoadResult is the terminal outcome of one file load. It carries
	// everything persisted into the file_load_log row and everything
	// the notifiers and event sink need.
	LoadResult struct {
		FileLoadID int64
		SourceName string
		Filename   string

		State State

		// ErrorKind and ErrorDetail are zero on success.
		ErrorKind   Kind
		ErrorDetail string

		RowsRead      int64
		RowsValid     int64
		RowsInvalid   int64
		RowsPublished int64
		RowsInserted  int64
		RowsUpdated   int64

		// Failures is a bounded sample of DLQ rows for notification
		// bodies; the full set lives in file_load_dlq.
		Failures []ValidationFailure

		StartedAt time.Time
		EndedAt   time.Time
	}

	// Phase is a step in the per-file state machine. Phases advance
	// strictly in order; any phase can fail into a terminal State.
	Phase string

	// State is the terminal disposition recorded in file_load_log.
	// While a load is in flight the log row carries the current Phase
	// instead.
	State string
)

// Lineage columns appended to every stage row beyond the declared
// schema. The row hash guards merge updates: a matched target row is
// only rewritten when its hash differs.
const (
	ColRowHash        = "etl_row_hash"
	ColSourceFilename = "source_filename"
	ColFileLoadID     = "file_load_id"
	ColCreatedAt      = "etl_created_at"
	ColUpdatedAt      = "etl_updated_at"
)

// Per-file pipeline phases, in execution order.
const (
	PhaseInit      Phase = "Init"
	PhaseArchived  Phase = "Archived"
	PhaseDeduped   Phase = "Deduped"
	PhaseStaged    Phase = "Staged"
	PhaseRead      Phase = "Read"
	PhaseValidated Phase = "Validated"
	PhaseWritten   Phase = "Written"
	PhaseAudited   Phase = "Audited"
	PhasePublished Phase = "Published"
	PhaseCleaned   Phase = "Cleaned"
)

const (
	// StateRunning marks a load that has allocated an id but not
	// reached a terminal state. Crashed runs leave this behind.
	StateRunning State = "Running"

	// StateSucceeded marks a fully published load. Only Succeeded rows
	// participate in duplicate detection.
	StateSucceeded State = "Succeeded"

	// StateFailed marks a load that ended with a file-level or
	// internal error; the error kind is recorded alongside.
	StateFailed State = "Failed"

	// StateCancelled marks a load interrupted by shutdown. Not an
	// error: the file is quarantined for reprocessing.
	StateCancelled State = "Cancelled"
)

// Terminal reports whether the state closes a file_load_log row.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Phases returns the pipeline phases in execution order.
func Phases() []Phase {
	return []Phase{
		PhaseInit,
		PhaseArchived,
		PhaseDeduped,
		PhaseStaged,
		PhaseRead,
		PhaseValidated,
		PhaseWritten,
		PhaseAudited,
		PhasePublished,
		PhaseCleaned,
	}
}

// GrainKey renders the record's grain values as a stable pipe-joined
// string, in the declared grain order.
//
// Example:
//
//	rec := Record{Fields: map[string]any{"region": "eu", "id": int64(7)}}
//	rec.GrainKey([]string{"region", "id"})  // "eu|7"
func (r Record) GrainKey(grain []string) string {
	parts := make([]string, len(grain))
	for i, field := range grain {
		parts[i] = fmt.Sprint(r.Fields[field])
	}

	return strings.Join(parts, "|")
}

// Failed reports whether the load ended in an error state.
func (lr *LoadResult) Failed() bool {
	return lr.State == StateFailed
}

// Duration returns the wall-clock time the load took.
func (lr *LoadResult) Duration() time.Duration {
	return lr.EndedAt.Sub(lr.StartedAt)
}
