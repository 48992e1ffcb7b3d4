package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// SQLServerDialect renders T-SQL for SQL Server 2017+.
type SQLServerDialect struct{}

var _ Dialect = SQLServerDialect{}

func (SQLServerDialect) Name() string { return config.DialectSQLServer }

// DriverName is empty: the SQL Server driver is not bundled, so
// Connect reports ErrDriverUnavailable for mssql:// URLs.
func (SQLServerDialect) DriverName() string { return "" }

func (SQLServerDialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d SQLServerDialect) QuoteTable(table string) string {
	return quoteQualified(d, table)
}

func (SQLServerDialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

func (SQLServerDialect) ColumnType(ft source.FieldType) string {
	switch ft {
	case source.TypeInt:
		return "BIGINT"
	case source.TypeFloat:
		return "FLOAT"
	case source.TypeDecimal:
		return "DECIMAL(38,9)"
	case source.TypeBool:
		return "BIT"
	case source.TypeDate:
		return "DATE"
	case source.TypeDatetime:
		return "DATETIME2"
	case source.TypeJSON:
		return "NVARCHAR(MAX)"
	default:
		return "NVARCHAR(MAX)"
	}
}

func (SQLServerDialect) ConvertValue(v any, ft source.FieldType) any {
	return convertValue(v, ft)
}

// CreateStageSQL builds its own column list rather than using the
// shared builder: index keys cap at 900 bytes, so string columns that
// participate in the grain get a bounded NVARCHAR(450) instead of
// NVARCHAR(MAX).
func (d SQLServerDialect) CreateStageSQL(stage string, cfg *source.Config) []string {
	inGrain := make(map[string]bool, len(cfg.Grain))
	for i := 0; i < len(cfg.Grain); i++ {
		inGrain[cfg.Grain[i]] = true
	}
	defs := make([]string, 0, len(cfg.Schema)+3)
	for i := 0; i < len(cfg.Schema); i++ {
		f := &cfg.Schema[i]
		colType := d.ColumnType(f.Type)
		if f.Type == source.TypeString && inGrain[f.Name] {
			colType = "NVARCHAR(450)"
		}
		def := d.QuoteIdent(f.Name) + " " + colType
		if !f.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs,
		d.QuoteIdent(pipeline.ColRowHash)+" NVARCHAR(64) NOT NULL",
		d.QuoteIdent(pipeline.ColSourceFilename)+" NVARCHAR(MAX) NOT NULL",
		d.QuoteIdent(pipeline.ColFileLoadID)+" BIGINT NOT NULL",
	)
	return []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", d.QuoteTable(stage), strings.Join(defs, ", ")),
		grainIndexSQL(d, stage, cfg.Grain),
	}
}

func (d SQLServerDialect) DropStageSQL(stage string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s",
		strings.ReplaceAll(stage, "'", "''"), d.QuoteTable(stage))
}

func (SQLServerDialect) SystemTablesSQL() []string {
	return []string{
		`IF OBJECT_ID(N'file_load_log', N'U') IS NULL
		CREATE TABLE file_load_log (
			file_load_id BIGINT IDENTITY(1,1) PRIMARY KEY,
			source_name NVARCHAR(128) NOT NULL,
			filename NVARCHAR(450) NOT NULL,
			content_hash NVARCHAR(64) NULL,
			state NVARCHAR(32) NOT NULL,
			error_kind NVARCHAR(64) NULL,
			error_detail NVARCHAR(MAX) NULL,
			rows_read BIGINT NOT NULL DEFAULT 0,
			rows_valid BIGINT NOT NULL DEFAULT 0,
			rows_invalid BIGINT NOT NULL DEFAULT 0,
			rows_published BIGINT NOT NULL DEFAULT 0,
			rows_inserted BIGINT NOT NULL DEFAULT 0,
			rows_updated BIGINT NOT NULL DEFAULT 0,
			started_at DATETIME2 NOT NULL,
			ended_at DATETIME2 NULL
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_file_load_log_dedup')
		CREATE INDEX idx_file_load_log_dedup ON file_load_log (filename, content_hash, state)`,
		`IF OBJECT_ID(N'file_load_dlq', N'U') IS NULL
		CREATE TABLE file_load_dlq (
			dlq_id BIGINT IDENTITY(1,1) PRIMARY KEY,
			file_load_id BIGINT NOT NULL,
			source_name NVARCHAR(128) NOT NULL,
			source_row_number BIGINT NOT NULL,
			grain_key NVARCHAR(450) NOT NULL,
			failed_fields NVARCHAR(MAX) NOT NULL,
			reasons NVARCHAR(MAX) NOT NULL,
			original_row NVARCHAR(MAX) NOT NULL,
			created_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_file_load_dlq_grain')
		CREATE INDEX idx_file_load_dlq_grain ON file_load_dlq (source_name, grain_key)`,
	}
}

func (SQLServerDialect) InsertLoadSQL() (string, IDMode) {
	return "INSERT INTO file_load_log (source_name, filename, state, started_at) " +
		"OUTPUT INSERTED.file_load_id VALUES (@p1, @p2, @p3, @p4)", IDReturning
}

func (d SQLServerDialect) MergeSQL(target, stage string, cfg *source.Config) []string {
	set := mergeUpdateSet(d, cfg, "SYSUTCDATETIME()")
	cols, values := mergeInsertColumns(d, cfg, "SYSUTCDATETIME()")
	// T-SQL requires the terminating semicolon on MERGE.
	return []string{fmt.Sprintf(
		"MERGE INTO %s AS t USING %s AS s ON %s "+
			"WHEN MATCHED AND t.%s <> s.%s THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		d.QuoteTable(target), d.QuoteTable(stage), joinOn(d, cfg.Grain),
		d.QuoteIdent(pipeline.ColRowHash), d.QuoteIdent(pipeline.ColRowHash),
		set, cols, values,
	)}
}

func (d SQLServerDialect) GrainDuplicatesSQL(stage string, grain []string) string {
	quoted := make([]string, len(grain))
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		quoted[i] = d.QuoteIdent(grain[i])
		casts[i] = "CAST(" + quoted[i] + " AS NVARCHAR(MAX))"
	}
	return fmt.Sprintf(
		"SELECT TOP %d CONCAT_WS('|', %s) AS grain_key, COUNT(*) AS dup_count FROM %s "+
			"GROUP BY %s HAVING COUNT(*) > 1 ORDER BY dup_count DESC",
		grainSampleLimit, strings.Join(casts, ", "), d.QuoteTable(stage),
		strings.Join(quoted, ", "),
	)
}

func (d SQLServerDialect) GrainKeyExpr(grain []string) string {
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		casts[i] = "CAST(s." + d.QuoteIdent(grain[i]) + " AS NVARCHAR(MAX))"
	}
	return "CONCAT_WS('|', " + strings.Join(casts, ", ") + ")"
}
