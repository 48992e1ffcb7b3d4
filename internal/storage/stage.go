package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fileloader-io/fileloader/internal/audit"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
	"github.com/fileloader-io/fileloader/internal/write"
)

// bulkTimeout bounds the heavy statements: stage inserts, audits and
// the publish merge.
const bulkTimeout = 30 * time.Minute

// insertParamBudget caps bind parameters per insert statement. SQL
// Server rejects statements above 2100 parameters, so chunking stays
// well under that.
const insertParamBudget = 1800

// bulkCopyParamBudget pushes SQL Server chunks to just under the
// engine's 2100-parameter ceiling when SQL_SERVER_SQLBULKCOPY_FLAG is
// set.
const bulkCopyParamBudget = 2096

// StageStore creates, fills and drops the per-load stage tables.
type StageStore struct {
	conn     *Connection
	bulkCopy bool
}

var (
	_ pipeline.Stager = (*StageStore)(nil)
	_ write.Store     = (*StageStore)(nil)
	_ audit.Store     = (*StageStore)(nil)
)

// NewStageStore creates a StageStore on the given connection.
func NewStageStore(conn *Connection) *StageStore {
	return &StageStore{conn: conn}
}

// EnableBulkCopy widens insert chunks on the SQL Server dialect.
// Other dialects ignore it.
func (s *StageStore) EnableBulkCopy() {
	s.bulkCopy = true
}

// CreateStage creates the stage table for one load and returns its
// name.
func (s *StageStore) CreateStage(ctx context.Context, cfg *source.Config, fileLoadID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	for _, name := range cfg.FieldNames() {
		if !SafeIdent(name) {
			return "", fmt.Errorf("%w: %q", ErrUnsafeIdent, name)
		}
	}

	stage := StageName(cfg.Name, fileLoadID)
	for _, stmt := range s.conn.Dialect().CreateStageSQL(stage, cfg) {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return "", classify(fmt.Errorf("creating stage %s: %w", stage, err))
		}
	}
	return stage, nil
}

// DropStage removes a stage table. Safe to call for stages that are
// already gone.
func (s *StageStore) DropStage(ctx context.Context, stage string) error {
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	if _, err := s.conn.ExecContext(ctx, s.conn.Dialect().DropStageSQL(stage)); err != nil {
		return classify(fmt.Errorf("dropping stage %s: %w", stage, err))
	}
	return nil
}

// InsertRows bulk-inserts validated rows into the stage. Row values
// follow the stage column order: schema fields as declared, then row
// hash, source filename and file_load_id. Postgres loads go through
// COPY; other engines get chunked multi-row inserts.
func (s *StageStore) InsertRows(ctx context.Context, stage string, cfg *source.Config, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	d := s.conn.Dialect()
	columns := stageColumns(cfg)
	types := stageFieldTypes(cfg)

	if _, ok := d.(PostgresDialect); ok {
		if err := s.copyRows(ctx, stage, columns, types, rows); err != nil {
			return classify(fmt.Errorf("staging %d rows: %w", len(rows), err))
		}
		return nil
	}

	chunk := s.insertChunk(d, len(columns))
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		args := make([]any, 0, len(batch)*len(columns))
		for i := 0; i < len(batch); i++ {
			for j := 0; j < len(columns); j++ {
				args = append(args, d.ConvertValue(batch[i][j], types[j]))
			}
		}
		query := insertSQL(d, stage, columns, len(batch))
		if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
			return classify(fmt.Errorf("staging %d rows: %w", len(rows), err))
		}
	}
	return nil
}

// insertChunk sizes multi-row insert batches by bind parameter count.
func (s *StageStore) insertChunk(d Dialect, columns int) int {
	budget := insertParamBudget
	if s.bulkCopy {
		if _, ok := d.(SQLServerDialect); ok {
			budget = bulkCopyParamBudget
		}
	}
	chunk := budget / columns
	if chunk < 1 {
		chunk = 1
	}
	return chunk
}

// copyRows streams rows through the postgres COPY protocol, which is
// an order of magnitude faster than multi-row inserts for wide files.
func (s *StageStore) copyRows(ctx context.Context, stage string, columns []string, types []source.FieldType, rows [][]any) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(stage, columns...))
	if err != nil {
		return err
	}
	d := s.conn.Dialect()
	for i := 0; i < len(rows); i++ {
		args := make([]any, len(columns))
		for j := 0; j < len(columns); j++ {
			args[j] = d.ConvertValue(rows[i][j], types[j])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	// The empty exec flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// GrainDuplicates returns duplicated grain keys in the stage, worst
// offenders first. An empty result means the grain is unique.
func (s *StageStore) GrainDuplicates(ctx context.Context, stage string, grain []string) ([]audit.GrainDuplicate, error) {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	query := s.conn.Dialect().GrainDuplicatesSQL(stage, grain)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("checking grain uniqueness: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var dups []audit.GrainDuplicate
	for rows.Next() {
		var dup audit.GrainDuplicate
		if err := rows.Scan(&dup.GrainKey, &dup.Count); err != nil {
			return nil, classify(fmt.Errorf("checking grain uniqueness: %w", err))
		}
		dups = append(dups, dup)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("checking grain uniqueness: %w", err))
	}
	return dups, nil
}

// AuditScalar runs a configured audit query against the stage and
// returns its single numeric result. The {stage} placeholder in the
// query is replaced with the quoted stage table name.
func (s *StageStore) AuditScalar(ctx context.Context, stage, query string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	bound := strings.ReplaceAll(query, "{stage}", s.conn.Dialect().QuoteTable(stage))
	var v sql.NullFloat64
	if err := s.conn.QueryRowContext(ctx, bound).Scan(&v); err != nil {
		return 0, classify(fmt.Errorf("running audit query: %w", err))
	}
	if !v.Valid {
		return 0, fmt.Errorf("audit query returned NULL")
	}
	return v.Float64, nil
}
