package storage

import (
	"context"
	"fmt"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/publish"
	"github.com/fileloader-io/fileloader/internal/source"
)

// PublishStore merges stage tables into their targets.
type PublishStore struct {
	conn *Connection
}

var _ publish.Store = (*PublishStore)(nil)

// NewPublishStore creates a PublishStore on the given connection.
func NewPublishStore(conn *Connection) *PublishStore {
	return &PublishStore{conn: conn}
}

// Merge publishes the stage into the target table inside one
// transaction and reports how many rows it inserted and rewrote.
// Counts are taken before the merge statements run, since engines
// without MERGE cannot attribute affected rows afterwards. Rows whose
// hash matches the target are left untouched, so replaying an already
// published file reports zero inserts and zero updates.
func (s *PublishStore) Merge(ctx context.Context, stage string, cfg *source.Config) (pipeline.PublishResult, error) {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	var result pipeline.PublishResult
	d := s.conn.Dialect()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, classify(fmt.Errorf("publishing to %s: %w", cfg.Table, err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, insertCountSQL(d, cfg.Table, stage, cfg.Grain)).Scan(&result.Inserted); err != nil {
		return pipeline.PublishResult{}, classify(fmt.Errorf("counting inserts for %s: %w", cfg.Table, err))
	}
	if err := tx.QueryRowContext(ctx, updateCountSQL(d, cfg.Table, stage, cfg.Grain)).Scan(&result.Updated); err != nil {
		return pipeline.PublishResult{}, classify(fmt.Errorf("counting updates for %s: %w", cfg.Table, err))
	}

	for _, stmt := range d.MergeSQL(cfg.Table, stage, cfg) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return pipeline.PublishResult{}, classify(fmt.Errorf("publishing to %s: %w", cfg.Table, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return pipeline.PublishResult{}, classify(fmt.Errorf("publishing to %s: %w", cfg.Table, err))
	}
	return result, nil
}

// EnsureSystemTables creates file_load_log, file_load_dlq and the id
// allocator for engines the migration tooling does not cover. On
// postgres this is a no-op: the schema belongs to the versioned
// migrations.
func EnsureSystemTables(ctx context.Context, conn *Connection) error {
	stmts := conn.Dialect().SystemTablesSQL()
	if len(stmts) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, bookkeepingTimeout)
	defer cancel()

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("creating system tables: %w", err))
		}
	}
	return nil
}
