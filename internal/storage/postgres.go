package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// PostgresDialect renders SQL for PostgreSQL 15+ (MERGE support).
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string { return config.DialectPostgres }

func (PostgresDialect) DriverName() string { return "postgres" }

func (PostgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d PostgresDialect) QuoteTable(table string) string {
	return quoteQualified(d, table)
}

func (PostgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (PostgresDialect) ColumnType(ft source.FieldType) string {
	switch ft {
	case source.TypeInt:
		return "BIGINT"
	case source.TypeFloat:
		return "DOUBLE PRECISION"
	case source.TypeDecimal:
		return "NUMERIC(38,9)"
	case source.TypeBool:
		return "BOOLEAN"
	case source.TypeDate:
		return "DATE"
	case source.TypeDatetime:
		return "TIMESTAMPTZ"
	case source.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (PostgresDialect) ConvertValue(v any, ft source.FieldType) any {
	return convertValue(v, ft)
}

func (d PostgresDialect) CreateStageSQL(stage string, cfg *source.Config) []string {
	// Stage tables are rebuilt on every load, so WAL durability buys
	// nothing here.
	return []string{
		fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)", d.QuoteTable(stage), stageDDL(d, cfg)),
		grainIndexSQL(d, stage, cfg.Grain),
	}
}

func (d PostgresDialect) DropStageSQL(stage string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteTable(stage)
}

// SystemTablesSQL returns nothing: the postgres schema is owned by the
// versioned migrations.
func (PostgresDialect) SystemTablesSQL() []string { return nil }

func (PostgresDialect) InsertLoadSQL() (string, IDMode) {
	return "INSERT INTO file_load_log (source_name, filename, state, started_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING file_load_id", IDReturning
}

func (d PostgresDialect) MergeSQL(target, stage string, cfg *source.Config) []string {
	set := mergeUpdateSet(d, cfg, "CURRENT_TIMESTAMP")
	cols, values := mergeInsertColumns(d, cfg, "CURRENT_TIMESTAMP")
	return []string{fmt.Sprintf(
		"MERGE INTO %s AS t USING %s AS s ON %s "+
			"WHEN MATCHED AND t.%s <> s.%s THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		d.QuoteTable(target), d.QuoteTable(stage), joinOn(d, cfg.Grain),
		d.QuoteIdent(pipeline.ColRowHash), d.QuoteIdent(pipeline.ColRowHash),
		set, cols, values,
	)}
}

func (d PostgresDialect) GrainDuplicatesSQL(stage string, grain []string) string {
	quoted := make([]string, len(grain))
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		quoted[i] = d.QuoteIdent(grain[i])
		casts[i] = quoted[i] + "::text"
	}
	return fmt.Sprintf(
		"SELECT concat_ws('|', %s) AS grain_key, COUNT(*) AS dup_count FROM %s "+
			"GROUP BY %s HAVING COUNT(*) > 1 ORDER BY dup_count DESC LIMIT %d",
		strings.Join(casts, ", "), d.QuoteTable(stage), strings.Join(quoted, ", "),
		grainSampleLimit,
	)
}

func (d PostgresDialect) GrainKeyExpr(grain []string) string {
	casts := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		casts[i] = "s." + d.QuoteIdent(grain[i]) + "::text"
	}
	return "concat_ws('|', " + strings.Join(casts, ", ") + ")"
}
