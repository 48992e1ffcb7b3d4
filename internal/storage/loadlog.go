package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// bookkeepingTimeout bounds the small file_load_log statements so a
// stalled database cannot hang a worker between pipeline steps.
const bookkeepingTimeout = 30 * time.Second

// allocatorName is the single row key in file_load_id_allocator.
const allocatorName = "file_load_log"

// LoadLogStore tracks every load attempt in file_load_log: one row per
// file, allocated before processing starts and closed with the
// terminal state and row counts when it ends.
type LoadLogStore struct {
	conn *Connection
}

var _ pipeline.LoadLog = (*LoadLogStore)(nil)

// NewLoadLogStore creates a LoadLogStore on the given connection.
func NewLoadLogStore(conn *Connection) *LoadLogStore {
	return &LoadLogStore{conn: conn}
}

// Allocate inserts a Running row for the file and returns its
// file_load_id. How the id is produced depends on the dialect.
func (s *LoadLogStore) Allocate(ctx context.Context, sourceName, filename string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	d := s.conn.Dialect()
	insert, mode := d.InsertLoadSQL()
	startedAt := time.Now().UTC()

	switch mode {
	case IDLastInsert:
		res, err := s.conn.ExecContext(ctx, insert, sourceName, filename, string(pipeline.StateRunning), startedAt)
		if err != nil {
			return 0, classify(fmt.Errorf("allocating file_load_id: %w", err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, classify(fmt.Errorf("allocating file_load_id: %w", err))
		}
		return id, nil

	case IDAllocator:
		id, err := s.allocateFromTable(ctx, insert, sourceName, filename, startedAt)
		if err != nil {
			return 0, classify(fmt.Errorf("allocating file_load_id: %w", err))
		}
		return id, nil

	default:
		var id int64
		err := s.conn.QueryRowContext(ctx, insert, sourceName, filename, string(pipeline.StateRunning), startedAt).Scan(&id)
		if err != nil {
			return 0, classify(fmt.Errorf("allocating file_load_id: %w", err))
		}
		return id, nil
	}
}

// allocateFromTable reserves the next id from the allocator table and
// inserts the log row in the same transaction, for engines without
// sequences.
func (s *LoadLogStore) allocateFromTable(ctx context.Context, insert, sourceName, filename string, startedAt time.Time) (int64, error) {
	d := s.conn.Dialect()
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	bump := fmt.Sprintf(
		"UPDATE file_load_id_allocator SET next_id = next_id + 1 WHERE allocator_name = %s",
		d.Placeholder(1))
	if _, err := tx.ExecContext(ctx, bump, allocatorName); err != nil {
		return 0, err
	}

	var next int64
	read := fmt.Sprintf(
		"SELECT next_id - 1 FROM file_load_id_allocator WHERE allocator_name = %s",
		d.Placeholder(1))
	if err := tx.QueryRowContext(ctx, read, allocatorName).Scan(&next); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, insert, next, sourceName, filename, string(pipeline.StateRunning), startedAt); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// SetContentHash records the file's content hash once computed. The
// hash lands after Allocate because hashing needs a full read of the
// file, which only happens when the file is safely archived.
func (s *LoadLogStore) SetContentHash(ctx context.Context, id int64, hash string) error {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	d := s.conn.Dialect()
	query := fmt.Sprintf("UPDATE file_load_log SET content_hash = %s WHERE file_load_id = %s",
		d.Placeholder(1), d.Placeholder(2))
	if _, err := s.conn.ExecContext(ctx, query, hash, id); err != nil {
		return classify(fmt.Errorf("recording content hash: %w", err))
	}
	return nil
}

// SeenSucceeded reports whether a load of the same filename and
// content hash has already succeeded. Reprocessing is allowed after a
// failure, so only Succeeded rows count.
func (s *LoadLogStore) SeenSucceeded(ctx context.Context, filename, hash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	d := s.conn.Dialect()
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM file_load_log WHERE filename = %s AND content_hash = %s AND state = %s",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))

	var n int64
	err := s.conn.QueryRowContext(ctx, query, filename, hash, string(pipeline.StateSucceeded)).Scan(&n)
	if err != nil {
		return false, classify(fmt.Errorf("checking for duplicate load: %w", err))
	}
	return n > 0, nil
}

// RecordPhase writes the pipeline phase the load just completed into
// the state column. Phase updates are progress reporting, so callers
// treat failures here as non-fatal.
func (s *LoadLogStore) RecordPhase(ctx context.Context, id int64, phase pipeline.Phase) error {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	d := s.conn.Dialect()
	query := fmt.Sprintf("UPDATE file_load_log SET state = %s WHERE file_load_id = %s",
		d.Placeholder(1), d.Placeholder(2))
	if _, err := s.conn.ExecContext(ctx, query, string(phase), id); err != nil {
		return classify(fmt.Errorf("recording phase %s: %w", phase, err))
	}
	return nil
}

// Close writes the terminal state, error fields and row counts for the
// load. A zero FileLoadID means allocation never happened, so there is
// no row to close.
func (s *LoadLogStore) Close(ctx context.Context, result *pipeline.LoadResult) error {
	if result.FileLoadID == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	d := s.conn.Dialect()
	query := fmt.Sprintf(
		"UPDATE file_load_log SET state = %s, error_kind = %s, error_detail = %s, "+
			"rows_read = %s, rows_valid = %s, rows_invalid = %s, "+
			"rows_published = %s, rows_inserted = %s, rows_updated = %s, ended_at = %s "+
			"WHERE file_load_id = %s",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		d.Placeholder(5), d.Placeholder(6), d.Placeholder(7), d.Placeholder(8),
		d.Placeholder(9), d.Placeholder(10), d.Placeholder(11))

	_, err := s.conn.ExecContext(ctx, query,
		string(result.State),
		nullIfEmpty(string(result.ErrorKind)),
		nullIfEmpty(result.ErrorDetail),
		result.RowsRead, result.RowsValid, result.RowsInvalid,
		result.RowsPublished, result.RowsInserted, result.RowsUpdated,
		result.EndedAt.UTC(), result.FileLoadID)
	if err != nil {
		return classify(fmt.Errorf("closing load %d: %w", result.FileLoadID, err))
	}
	return nil
}

// nullIfEmpty maps empty strings onto SQL NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
