package storage

import (
	"fmt"
	"strings"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// MySQLDialect renders SQL for MySQL 8+. MySQL has no MERGE, so
// publishing runs as a delete+insert pair inside one transaction.
type MySQLDialect struct{}

var _ Dialect = MySQLDialect{}

func (MySQLDialect) Name() string { return config.DialectMySQL }

// DriverName is empty: the MySQL driver is not bundled, so Connect
// reports ErrDriverUnavailable for mysql:// URLs.
func (MySQLDialect) DriverName() string { return "" }

func (MySQLDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d MySQLDialect) QuoteTable(table string) string {
	return quoteQualified(d, table)
}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (MySQLDialect) ColumnType(ft source.FieldType) string {
	switch ft {
	case source.TypeInt:
		return "BIGINT"
	case source.TypeFloat:
		return "DOUBLE"
	case source.TypeDecimal:
		return "DECIMAL(38,9)"
	case source.TypeBool:
		return "TINYINT(1)"
	case source.TypeDate:
		return "DATE"
	case source.TypeDatetime:
		return "DATETIME(6)"
	case source.TypeJSON:
		return "JSON"
	default:
		return "TEXT"
	}
}

func (MySQLDialect) ConvertValue(v any, ft source.FieldType) any {
	return convertValue(v, ft)
}

func (d MySQLDialect) CreateStageSQL(stage string, cfg *source.Config) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", d.QuoteTable(stage), stageDDL(d, cfg)),
		grainIndexSQL(d, stage, cfg.Grain),
	}
}

func (d MySQLDialect) DropStageSQL(stage string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteTable(stage)
}

func (MySQLDialect) SystemTablesSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS file_load_log (
			file_load_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			source_name VARCHAR(128) NOT NULL,
			filename VARCHAR(1024) NOT NULL,
			content_hash VARCHAR(64) NULL,
			state VARCHAR(32) NOT NULL,
			error_kind VARCHAR(64) NULL,
			error_detail TEXT NULL,
			rows_read BIGINT NOT NULL DEFAULT 0,
			rows_valid BIGINT NOT NULL DEFAULT 0,
			rows_invalid BIGINT NOT NULL DEFAULT 0,
			rows_published BIGINT NOT NULL DEFAULT 0,
			rows_inserted BIGINT NOT NULL DEFAULT 0,
			rows_updated BIGINT NOT NULL DEFAULT 0,
			started_at DATETIME(6) NOT NULL,
			ended_at DATETIME(6) NULL,
			KEY idx_file_load_log_dedup (filename(255), content_hash, state),
			KEY idx_file_load_log_source (source_name, started_at)
		)`,
		`CREATE TABLE IF NOT EXISTS file_load_dlq (
			dlq_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			file_load_id BIGINT NOT NULL,
			source_name VARCHAR(128) NOT NULL,
			source_row_number BIGINT NOT NULL,
			grain_key VARCHAR(1024) NOT NULL,
			failed_fields TEXT NOT NULL,
			reasons TEXT NOT NULL,
			original_row JSON NOT NULL,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			KEY idx_file_load_dlq_grain (source_name, grain_key(255))
		)`,
	}
}

func (MySQLDialect) InsertLoadSQL() (string, IDMode) {
	return "INSERT INTO file_load_log (source_name, filename, state, started_at) " +
		"VALUES (?, ?, ?, ?)", IDLastInsert
}

// MergeSQL deletes target rows whose stage counterpart carries a
// different row hash, then inserts every stage row without a grain
// match. Rows with an unchanged hash are never touched, which keeps
// replays of the same file at zero updates.
func (d MySQLDialect) MergeSQL(target, stage string, cfg *source.Config) []string {
	hash := d.QuoteIdent(pipeline.ColRowHash)
	cols, values := mergeInsertColumns(d, cfg, "CURRENT_TIMESTAMP(6)")
	del := fmt.Sprintf(
		"DELETE t FROM %s t JOIN %s s ON %s WHERE t.%s <> s.%s",
		d.QuoteTable(target), d.QuoteTable(stage), joinOn(d, cfg.Grain), hash, hash,
	)
	ins := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
		d.QuoteTable(target), cols, values, d.QuoteTable(stage),
		d.QuoteTable(target), joinOn(d, cfg.Grain),
	)
	return []string{del, ins}
}

func (d MySQLDialect) GrainDuplicatesSQL(stage string, grain []string) string {
	quoted := make([]string, len(grain))
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		quoted[i] = d.QuoteIdent(grain[i])
		casts[i] = "CAST(" + quoted[i] + " AS CHAR)"
	}
	return fmt.Sprintf(
		"SELECT CONCAT_WS('|', %s) AS grain_key, COUNT(*) AS dup_count FROM %s "+
			"GROUP BY %s HAVING COUNT(*) > 1 ORDER BY dup_count DESC LIMIT %d",
		strings.Join(casts, ", "), d.QuoteTable(stage), strings.Join(quoted, ", "),
		grainSampleLimit,
	)
}

func (d MySQLDialect) GrainKeyExpr(grain []string) string {
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		casts[i] = "CAST(s." + d.QuoteIdent(grain[i]) + " AS CHAR)"
	}
	return "CONCAT_WS('|', " + strings.Join(casts, ", ") + ")"
}
