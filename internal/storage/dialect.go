package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// ErrUnknownDialect is returned when no dialect matches the requested
// name.
var ErrUnknownDialect = errors.New("unknown SQL dialect")

// grainSampleLimit caps how many duplicated grain keys the uniqueness
// audit pulls back for the failure notification.
const grainSampleLimit = 5

// IDMode describes how a dialect yields the file_load_id for a new
// file_load_log row.
type IDMode int

const (
	// IDReturning scans the id from the insert statement itself
	// (RETURNING / OUTPUT INSERTED).
	IDReturning IDMode = iota

	// IDLastInsert reads the id from the driver's LastInsertId.
	IDLastInsert

	// IDAllocator reserves the id from the allocator table in the same
	// transaction before inserting, for engines without sequences.
	IDAllocator
)

// Dialect renders engine-specific SQL. Implementations are pure: they
// build statements and convert values but never touch a connection,
// which keeps every generated statement unit-testable.
type Dialect interface {
	// Name returns the dialect identifier (config.Dialect* constants).
	Name() string

	// DriverName returns the database/sql driver name, or "" when no
	// driver is bundled for this dialect.
	DriverName() string

	// QuoteIdent quotes a bare identifier.
	QuoteIdent(name string) string

	// QuoteTable quotes an optionally qualified table name.
	QuoteTable(table string) string

	// Placeholder returns the 1-based bind placeholder.
	Placeholder(n int) string

	// ColumnType maps a declared field type to the engine's column type.
	ColumnType(ft source.FieldType) string

	// ConvertValue converts a typed record value into what the driver
	// expects for the field type.
	ConvertValue(v any, ft source.FieldType) any

	// CreateStageSQL renders the stage table DDL plus its grain index.
	CreateStageSQL(stage string, cfg *source.Config) []string

	// DropStageSQL renders an idempotent stage drop.
	DropStageSQL(stage string) string

	// SystemTablesSQL renders idempotent DDL for file_load_log,
	// file_load_dlq and the id allocator, for engines the migration
	// tooling does not cover.
	SystemTablesSQL() []string

	// InsertLoadSQL renders the file_load_log insert and how to obtain
	// its id. In IDAllocator mode the statement binds the id as its
	// first parameter.
	InsertLoadSQL() (string, IDMode)

	// MergeSQL renders the statements that merge the stage into the
	// target: one statement for engines with MERGE, a delete+insert
	// pair otherwise. Statements run inside one transaction.
	MergeSQL(target, stage string, cfg *source.Config) []string

	// GrainDuplicatesSQL renders the audit query returning duplicated
	// grain keys and their counts, worst offenders first, capped at
	// grainSampleLimit rows.
	GrainDuplicatesSQL(stage string, grain []string) string

	// GrainKeyExpr renders the pipe-joined grain key over table alias
	// s, matching the key format stored in file_load_dlq.
	GrainKeyExpr(grain []string) string
}

// DialectFor returns the Dialect for a config dialect name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case config.DialectPostgres:
		return PostgresDialect{}, nil
	case config.DialectMySQL:
		return MySQLDialect{}, nil
	case config.DialectSQLServer:
		return SQLServerDialect{}, nil
	case config.DialectBigQuery:
		return BigQueryDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}
}

// ==============================================================================
// Shared SQL builders
//
// Statement shapes that only differ by quoting and placeholders are
// built here from the dialect's primitives.
// ==============================================================================

// stageColumns returns the stage column names: declared schema fields
// followed by the lineage columns.
func stageColumns(cfg *source.Config) []string {
	cols := cfg.FieldNames()

	return append(cols, pipeline.ColRowHash, pipeline.ColSourceFilename, pipeline.ColFileLoadID)
}

// quoteQualified quotes a dot-qualified table name part by part,
// recursing through QuoteTable so deeper qualification (db.schema.table)
// keeps working.
func quoteQualified(d Dialect, table string) string {
	schema, name := SplitTable(table)
	if schema == "" {
		return d.QuoteIdent(name)
	}

	return d.QuoteTable(schema) + "." + d.QuoteIdent(name)
}

// insertSQL renders a multi-row insert with bind placeholders.
func insertSQL(d Dialect, table string, columns []string, rowCount int) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = d.QuoteIdent(col)
	}

	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(d.QuoteTable(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	n := 1

	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(")

		for col := 0; col < len(columns); col++ {
			if col > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString(d.Placeholder(n))
			n++
		}

		sb.WriteString(")")
	}

	return sb.String()
}

// joinOn renders the grain equi-join between target alias t and stage
// alias s.
func joinOn(d Dialect, grain []string) string {
	parts := make([]string, len(grain))
	for i, g := range grain {
		parts[i] = fmt.Sprintf("t.%s = s.%s", d.QuoteIdent(g), d.QuoteIdent(g))
	}

	return strings.Join(parts, " AND ")
}

// nonGrainFields returns the declared fields outside the grain, in
// schema order.
func nonGrainFields(cfg *source.Config) []string {
	inGrain := make(map[string]bool, len(cfg.Grain))
	for _, g := range cfg.Grain {
		inGrain[g] = true
	}

	var cols []string

	for _, name := range cfg.FieldNames() {
		if !inGrain[name] {
			cols = append(cols, name)
		}
	}

	return cols
}

// mergeUpdateSet renders the UPDATE SET assignments of a merge: all
// non-grain fields plus lineage columns, with the update timestamp
// from nowExpr.
func mergeUpdateSet(d Dialect, cfg *source.Config, nowExpr string) string {
	var assigns []string

	for _, col := range nonGrainFields(cfg) {
		assigns = append(assigns, fmt.Sprintf("%s = s.%s", d.QuoteIdent(col), d.QuoteIdent(col)))
	}

	for _, col := range []string{pipeline.ColRowHash, pipeline.ColSourceFilename, pipeline.ColFileLoadID} {
		assigns = append(assigns, fmt.Sprintf("%s = s.%s", d.QuoteIdent(col), d.QuoteIdent(col)))
	}

	assigns = append(assigns, fmt.Sprintf("%s = %s", d.QuoteIdent(pipeline.ColUpdatedAt), nowExpr))

	return strings.Join(assigns, ", ")
}

// mergeInsertColumns renders the column list and the matching SELECT
// list for a merge insert branch: all stage columns plus both
// timestamps from nowExpr.
func mergeInsertColumns(d Dialect, cfg *source.Config, nowExpr string) (cols, values string) {
	var names, vals []string

	for _, col := range stageColumns(cfg) {
		names = append(names, d.QuoteIdent(col))
		vals = append(vals, "s."+d.QuoteIdent(col))
	}

	names = append(names, d.QuoteIdent(pipeline.ColCreatedAt), d.QuoteIdent(pipeline.ColUpdatedAt))
	vals = append(vals, nowExpr, nowExpr)

	return strings.Join(names, ", "), strings.Join(vals, ", ")
}

// insertCountSQL counts stage rows with no grain match in the target:
// the rows a merge will insert.
func insertCountSQL(d Dialect, target, stage string, grain []string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
		d.QuoteTable(stage), d.QuoteTable(target), joinOn(d, grain),
	)
}

// updateCountSQL counts stage rows that match a target grain with a
// different row hash: the rows a merge will rewrite.
func updateCountSQL(d Dialect, target, stage string, grain []string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s s WHERE EXISTS (SELECT 1 FROM %s t WHERE %s AND t.%s <> s.%s)",
		d.QuoteTable(stage), d.QuoteTable(target), joinOn(d, grain),
		d.QuoteIdent(pipeline.ColRowHash), d.QuoteIdent(pipeline.ColRowHash),
	)
}

// stageDDL renders the column definition list for a stage table:
// every schema field followed by the lineage columns. Nullable fields
// stay nullable so that coerced NULLs survive until validation writes
// them out.
func stageDDL(d Dialect, cfg *source.Config) string {
	defs := make([]string, 0, len(cfg.Schema)+3)
	for i := 0; i < len(cfg.Schema); i++ {
		f := &cfg.Schema[i]
		def := d.QuoteIdent(f.Name) + " " + d.ColumnType(f.Type)
		if !f.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs,
		d.QuoteIdent(pipeline.ColRowHash)+" "+d.ColumnType(source.TypeString)+" NOT NULL",
		d.QuoteIdent(pipeline.ColSourceFilename)+" "+d.ColumnType(source.TypeString)+" NOT NULL",
		d.QuoteIdent(pipeline.ColFileLoadID)+" "+d.ColumnType(source.TypeInt)+" NOT NULL",
	)
	return strings.Join(defs, ", ")
}

// stageFieldTypes returns the field type of every stage column in
// stageColumns order, for driver value conversion.
func stageFieldTypes(cfg *source.Config) []source.FieldType {
	types := make([]source.FieldType, 0, len(cfg.Schema)+3)
	for i := 0; i < len(cfg.Schema); i++ {
		types = append(types, cfg.Schema[i].Type)
	}
	types = append(types, source.TypeString, source.TypeString, source.TypeInt)
	return types
}

// grainIndexSQL renders the stage index that backs the grain
// uniqueness audit and the publish join.
func grainIndexSQL(d Dialect, stage string, grain []string) string {
	cols := make([]string, len(grain))
	for i := 0; i < len(grain); i++ {
		cols[i] = d.QuoteIdent(grain[i])
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		d.QuoteIdent("idx_"+stage+"_grain"), d.QuoteTable(stage), strings.Join(cols, ", "))
}

// convertValue maps coerced field values onto types every
// database/sql driver accepts. Decimals travel as exact strings and
// JSON documents as their serialized form; everything else is already
// a driver-native scalar.
func convertValue(v any, ft source.FieldType) any {
	if v == nil {
		return nil
	}
	switch ft {
	case source.TypeDecimal:
		if dec, ok := v.(decimal.Decimal); ok {
			return dec.String()
		}
	case source.TypeJSON:
		switch v.(type) {
		case string, []byte:
			return v
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}
