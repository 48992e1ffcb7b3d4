// Package write buffers validated records and bulk-inserts them into
// the stage table, with rejected records going to the dead letter
// queue. Each Writer serves exactly one file load.
package write

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

type (
	// Store persists validated rows into the stage table. Row values
	// follow the stage column order: schema fields as declared, then
	// row hash, source filename and file_load_id.
	Store interface {
		InsertRows(ctx context.Context, stage string, cfg *source.Config, rows [][]any) error
	}

	// FailureStore persists rejected records to the dead letter queue.
	FailureStore interface {
		InsertFailures(ctx context.Context, failures []pipeline.ValidationFailure) error
	}
)

// Params carries everything a Writer needs for one file load.
type Params struct {
	Config     *source.Config
	Store      Store
	Failures   FailureStore
	Stage      string
	Filename   string
	FileLoadID int64

	// BatchSize is the number of buffered rows that triggers a flush,
	// for the valid and the rejected buffer independently.
	BatchSize int

	// Retries is the attempt budget for each flush.
	Retries int

	Logger *slog.Logger
}

// Writer accumulates validated batches and flushes them in BatchSize
// chunks. Not safe for concurrent use.
type Writer struct {
	cfg        *source.Config
	store      Store
	failures   FailureStore
	stage      string
	filename   string
	fileLoadID int64
	batchSize  int
	retries    int
	log        *slog.Logger

	hash    xxhash.Digest
	valid   [][]any
	invalid []pipeline.ValidationFailure
}

var _ pipeline.Writer = (*Writer)(nil)

// New creates a Writer for one file load.
func New(p Params) *Writer {
	return &Writer{
		cfg:        p.Config,
		store:      p.Store,
		failures:   p.Failures,
		stage:      p.Stage,
		filename:   p.Filename,
		fileLoadID: p.FileLoadID,
		batchSize:  p.BatchSize,
		retries:    p.Retries,
		log:        p.Logger,
		valid:      make([][]any, 0, p.BatchSize),
	}
}

// Push buffers one validated batch, flushing whichever buffer crosses
// the batch size.
func (w *Writer) Push(ctx context.Context, batch pipeline.ValidatedBatch) error {
	for i := 0; i < len(batch.Valid); i++ {
		w.valid = append(w.valid, w.stageRow(&batch.Valid[i]))
		if len(w.valid) >= w.batchSize {
			if err := w.flushValid(ctx); err != nil {
				return err
			}
		}
	}
	if len(batch.Invalid) > 0 {
		// The validator does not know the load id; stamp it here.
		for i := 0; i < len(batch.Invalid); i++ {
			batch.Invalid[i].FileLoadID = w.fileLoadID
		}
		w.invalid = append(w.invalid, batch.Invalid...)
		if len(w.invalid) >= w.batchSize {
			if err := w.flushInvalid(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush drains both buffers. Must be called after the last batch;
// the dead letter buffer drains even when earlier flushes failed, so
// the DLQ stays complete for the threshold decision.
func (w *Writer) Flush(ctx context.Context) error {
	validErr := w.flushValid(ctx)
	invalidErr := w.flushInvalid(ctx)
	if validErr != nil {
		return validErr
	}
	return invalidErr
}

// stageRow lays out one record in stage column order and stamps the
// lineage columns.
func (w *Writer) stageRow(rec *pipeline.Record) []any {
	row := make([]any, 0, len(w.cfg.Schema)+3)
	for i := 0; i < len(w.cfg.Schema); i++ {
		row = append(row, rec.Fields[w.cfg.Schema[i].Name])
	}
	return append(row, w.rowHash(rec), w.filename, w.fileLoadID)
}

// rowHash fingerprints the coerced schema values in declared order.
// The hash must be deterministic across loads: the publish merge
// skips rows whose hash is unchanged, which is what makes replaying
// an already published file a no-op.
func (w *Writer) rowHash(rec *pipeline.Record) string {
	w.hash.Reset()
	for i := 0; i < len(w.cfg.Schema); i++ {
		if i > 0 {
			_, _ = w.hash.WriteString("\x1f")
		}
		v := rec.Fields[w.cfg.Schema[i].Name]
		if v == nil {
			// NULL must hash differently from the string "<nil>".
			_, _ = w.hash.WriteString("\x00")
			continue
		}
		_, _ = fmt.Fprintf(&w.hash, "%v", v)
	}
	return fmt.Sprintf("%016x", w.hash.Sum64())
}

func (w *Writer) flushValid(ctx context.Context) error {
	if len(w.valid) == 0 {
		return nil
	}
	rows := w.valid
	err := pipeline.RetryNotify(ctx, w.retries, func() error {
		return w.store.InsertRows(ctx, w.stage, w.cfg, rows)
	}, func(err error, next time.Duration) {
		w.log.Warn("stage insert failed, retrying",
			"stage", w.stage, "rows", len(rows), "retry_in", next, "error", err)
	})
	if err != nil {
		return pipeline.WrapError(pipeline.KindBulkInsertFailed, err,
			"inserting %d rows into %s", len(rows), w.stage)
	}
	w.valid = w.valid[:0]
	return nil
}

func (w *Writer) flushInvalid(ctx context.Context) error {
	if len(w.invalid) == 0 {
		return nil
	}
	failures := w.invalid
	err := pipeline.RetryNotify(ctx, w.retries, func() error {
		return w.failures.InsertFailures(ctx, failures)
	}, func(err error, next time.Duration) {
		w.log.Warn("dead letter insert failed, retrying",
			"source", w.cfg.Name, "rows", len(failures), "retry_in", next, "error", err)
	})
	if err != nil {
		return pipeline.WrapError(pipeline.KindBulkInsertFailed, err,
			"writing %d rows to dead letter queue", len(failures))
	}
	w.invalid = w.invalid[:0]
	return nil
}
