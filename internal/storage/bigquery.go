package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// bigqueryMaxClusterColumns is the engine's cap on clustering keys.
const bigqueryMaxClusterColumns = 4

// BigQueryDialect renders GoogleSQL. BigQuery has no sequences, so
// load ids come from the allocator table, and no secondary indexes,
// so stage tables cluster on the grain instead.
type BigQueryDialect struct{}

var _ Dialect = BigQueryDialect{}

func (BigQueryDialect) Name() string { return config.DialectBigQuery }

// DriverName is empty: the BigQuery driver is not bundled, so Connect
// reports ErrDriverUnavailable for bigquery:// URLs.
func (BigQueryDialect) DriverName() string { return "" }

func (BigQueryDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// QuoteTable quotes the whole dotted path in one pair of backticks,
// the GoogleSQL convention for project.dataset.table references.
func (BigQueryDialect) QuoteTable(table string) string {
	return "`" + strings.ReplaceAll(table, "`", "\\`") + "`"
}

func (BigQueryDialect) Placeholder(int) string { return "?" }

func (BigQueryDialect) ColumnType(ft source.FieldType) string {
	switch ft {
	case source.TypeInt:
		return "INT64"
	case source.TypeFloat:
		return "FLOAT64"
	case source.TypeDecimal:
		return "BIGNUMERIC"
	case source.TypeBool:
		return "BOOL"
	case source.TypeDate:
		return "DATE"
	case source.TypeDatetime:
		return "TIMESTAMP"
	case source.TypeJSON:
		return "JSON"
	default:
		return "STRING"
	}
}

// ConvertValue sends civil dates and timestamps as their canonical
// string forms, which every BigQuery driver parses unambiguously.
func (BigQueryDialect) ConvertValue(v any, ft source.FieldType) any {
	if t, ok := v.(time.Time); ok {
		switch ft {
		case source.TypeDate:
			return t.Format("2006-01-02")
		case source.TypeDatetime:
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return convertValue(v, ft)
}

func (d BigQueryDialect) CreateStageSQL(stage string, cfg *source.Config) []string {
	cluster := cfg.Grain
	if len(cluster) > bigqueryMaxClusterColumns {
		cluster = cluster[:bigqueryMaxClusterColumns]
	}
	cols := make([]string, len(cluster))
	for i := 0; i < len(cluster); i++ {
		cols[i] = d.QuoteIdent(cluster[i])
	}
	return []string{fmt.Sprintf("CREATE TABLE %s (%s) CLUSTER BY %s",
		d.QuoteTable(stage), stageDDL(d, cfg), strings.Join(cols, ", "))}
}

func (d BigQueryDialect) DropStageSQL(stage string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteTable(stage)
}

func (BigQueryDialect) SystemTablesSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS file_load_log (
			file_load_id INT64 NOT NULL,
			source_name STRING NOT NULL,
			filename STRING NOT NULL,
			content_hash STRING,
			state STRING NOT NULL,
			error_kind STRING,
			error_detail STRING,
			rows_read INT64 NOT NULL,
			rows_valid INT64 NOT NULL,
			rows_invalid INT64 NOT NULL,
			rows_published INT64 NOT NULL,
			rows_inserted INT64 NOT NULL,
			rows_updated INT64 NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS file_load_dlq (
			file_load_id INT64 NOT NULL,
			source_name STRING NOT NULL,
			source_row_number INT64 NOT NULL,
			grain_key STRING NOT NULL,
			failed_fields STRING NOT NULL,
			reasons STRING NOT NULL,
			original_row STRING NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_load_id_allocator (
			allocator_name STRING NOT NULL,
			next_id INT64 NOT NULL
		)`,
		"MERGE INTO file_load_id_allocator t " +
			"USING (SELECT 'file_load_log' AS allocator_name, 1 AS next_id) s " +
			"ON t.allocator_name = s.allocator_name " +
			"WHEN NOT MATCHED THEN INSERT (allocator_name, next_id) VALUES (s.allocator_name, s.next_id)",
	}
}

func (BigQueryDialect) InsertLoadSQL() (string, IDMode) {
	return "INSERT INTO file_load_log (file_load_id, source_name, filename, state, " +
		"started_at, rows_read, rows_valid, rows_invalid, rows_published, rows_inserted, rows_updated) " +
		"VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0)", IDAllocator
}

func (d BigQueryDialect) MergeSQL(target, stage string, cfg *source.Config) []string {
	set := mergeUpdateSet(d, cfg, "CURRENT_TIMESTAMP()")
	cols, values := mergeInsertColumns(d, cfg, "CURRENT_TIMESTAMP()")
	return []string{fmt.Sprintf(
		"MERGE INTO %s t USING %s s ON %s "+
			"WHEN MATCHED AND t.%s != s.%s THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		d.QuoteTable(target), d.QuoteTable(stage), joinOn(d, cfg.Grain),
		d.QuoteIdent(pipeline.ColRowHash), d.QuoteIdent(pipeline.ColRowHash),
		set, cols, values,
	)}
}

func (d BigQueryDialect) GrainDuplicatesSQL(stage string, grain []string) string {
	quoted := make([]string, len(grain))
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		quoted[i] = d.QuoteIdent(grain[i])
		casts[i] = "CAST(" + quoted[i] + " AS STRING)"
	}
	return fmt.Sprintf(
		"SELECT ARRAY_TO_STRING([%s], '|') AS grain_key, COUNT(*) AS dup_count FROM %s "+
			"GROUP BY %s HAVING COUNT(*) > 1 ORDER BY dup_count DESC LIMIT %d",
		strings.Join(casts, ", "), d.QuoteTable(stage), strings.Join(quoted, ", "),
		grainSampleLimit,
	)
}

func (d BigQueryDialect) GrainKeyExpr(grain []string) string {
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		casts[i] = "CAST(s." + d.QuoteIdent(grain[i]) + " AS STRING)"
	}
	return "ARRAY_TO_STRING([" + strings.Join(casts, ", ") + "], '|')"
}
