package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/publish"
	"github.com/fileloader-io/fileloader/internal/source"
	"github.com/fileloader-io/fileloader/internal/write"
)

// dlqColumns is the insert column list for file_load_dlq.
var dlqColumns = []string{
	"file_load_id", "source_name", "source_row_number", "grain_key",
	"failed_fields", "reasons", "original_row", "created_at",
}

// DLQStore persists rejected rows to file_load_dlq and prunes entries
// superseded by a later clean load of the same grain.
type DLQStore struct {
	conn *Connection
}

var (
	_ write.FailureStore = (*DLQStore)(nil)
	_ publish.DLQ        = (*DLQStore)(nil)
)

// NewDLQStore creates a DLQStore on the given connection.
func NewDLQStore(conn *Connection) *DLQStore {
	return &DLQStore{conn: conn}
}

// InsertFailures appends rejected rows to the dead letter queue. The
// original row travels as JSON so operators can replay it after
// fixing the source.
func (s *DLQStore) InsertFailures(ctx context.Context, failures []pipeline.ValidationFailure) error {
	if len(failures) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	d := s.conn.Dialect()
	now := time.Now().UTC()
	chunk := insertParamBudget / len(dlqColumns)

	// All chunks commit in one transaction. A mid-batch failure rolls
	// everything back, so the writer's retry re-inserts from a clean
	// slate instead of tripping over the (file_load_id,
	// source_row_number) key on rows the first attempt already wrote.
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("writing %d rows to dead letter queue: %w", len(failures), err))
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(failures); start += chunk {
		end := start + chunk
		if end > len(failures) {
			end = len(failures)
		}
		batch := failures[start:end]
		args := make([]any, 0, len(batch)*len(dlqColumns))
		for i := 0; i < len(batch); i++ {
			f := &batch[i]
			original, err := json.Marshal(f.OriginalRow)
			if err != nil {
				original = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
			}
			args = append(args,
				f.FileLoadID, f.SourceName, f.SourceRowNumber, f.GrainKey,
				strings.Join(f.FailedFields, ","), strings.Join(f.Reasons, "; "),
				string(original), now)
		}
		query := insertSQL(d, "file_load_dlq", dlqColumns, len(batch))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(fmt.Errorf("writing %d rows to dead letter queue: %w", len(failures), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("writing %d rows to dead letter queue: %w", len(failures), err))
	}
	return nil
}

// DeleteSuperseded removes dead letter rows whose grain key was
// published by the load now sitting in the stage. A clean load of a
// grain settles its earlier rejections.
func (s *DLQStore) DeleteSuperseded(ctx context.Context, stage string, cfg *source.Config) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	d := s.conn.Dialect()
	query := fmt.Sprintf(
		"DELETE FROM file_load_dlq WHERE source_name = %s AND grain_key IN (SELECT %s FROM %s s)",
		d.Placeholder(1), d.GrainKeyExpr(cfg.Grain), d.QuoteTable(stage))

	res, err := s.conn.ExecContext(ctx, query, cfg.Name)
	if err != nil {
		return 0, classify(fmt.Errorf("pruning dead letter queue: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned dead letter rows: %w", err)
	}
	return n, nil
}
