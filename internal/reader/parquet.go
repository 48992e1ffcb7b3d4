package reader

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// parquetReader reads parquet files row group by row group. The
// footer sits at the end of the file, so the stream spools to a temp
// file before opening.
//
// Nested groups map to flat record keys by joining the column path
// with underscores. Repeated columns have no scalar shape and stay
// unmapped.
type parquetReader struct {
	s         *stream
	cfg       *source.Config
	batchSize int

	tmp     *os.File
	pf      *parquet.File
	groups  []parquet.RowGroup
	group   int
	rows    parquet.Rows
	buf     []parquet.Row
	cols    []pqColumn
	nextRow int64
}

var _ pipeline.Reader = (*parquetReader)(nil)

// pqColumn carries the conversion hints for one leaf column.
type pqColumn struct {
	field string // schema field name, empty when the column is not declared
	date  bool
	ts    timestampUnit
	dec   bool
	scale int32
}

type timestampUnit int

const (
	unitNone timestampUnit = iota
	unitMillis
	unitMicros
	unitNanos
)

func newParquetReader(s *stream, cfg *source.Config, batchSize int) *parquetReader {
	return &parquetReader{s: s, cfg: cfg, batchSize: batchSize}
}

// Open spools the stream to disk, opens the footer and maps schema
// fields onto leaf columns.
func (r *parquetReader) Open(ctx context.Context) error {
	raw, err := r.s.open(ctx)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "fileloader-parquet-*")
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}
	size, err := io.Copy(tmp, raw)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("spooling parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(tmp, size)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("opening parquet file: %w", err)
	}
	r.tmp = tmp

	if pf.NumRows() == 0 {
		return pipeline.Errorf(pipeline.KindNoDataInFile, "file has no rows")
	}
	if err := r.indexColumns(pf); err != nil {
		return err
	}

	r.pf = pf
	r.groups = pf.RowGroups()
	r.buf = make([]parquet.Row, r.batchSize)
	r.nextRow = 1
	return nil
}

// indexColumns matches declared fields against leaf column names
// case-insensitively and records per-column conversion hints.
func (r *parquetReader) indexColumns(pf *parquet.File) error {
	schema := pf.Schema()
	paths := schema.Columns()

	cols := make([]pqColumn, len(paths))
	byName := make(map[string]int, len(paths))
	blank := true
	for i := 0; i < len(paths); i++ {
		leaf, ok := schema.Lookup(paths[i]...)
		if !ok {
			return fmt.Errorf("resolving column %v", paths[i])
		}
		name := strings.ToLower(strings.Join(paths[i], "_"))
		if strings.TrimSpace(name) != "" {
			blank = false
		}
		if leaf.MaxRepetitionLevel > 0 {
			continue
		}
		col := pqColumn{}
		if lt := leaf.Node.Type().LogicalType(); lt != nil {
			switch {
			case lt.Date != nil:
				col.date = true
			case lt.Timestamp != nil:
				switch {
				case lt.Timestamp.Unit.Millis != nil:
					col.ts = unitMillis
				case lt.Timestamp.Unit.Micros != nil:
					col.ts = unitMicros
				case lt.Timestamp.Unit.Nanos != nil:
					col.ts = unitNanos
				}
			case lt.Decimal != nil:
				col.dec = true
				col.scale = lt.Decimal.Scale
			}
		}
		cols[leaf.ColumnIndex] = col
		if _, dup := byName[name]; !dup {
			byName[name] = leaf.ColumnIndex
		}
	}
	if blank {
		return pipeline.Errorf(pipeline.KindMissingHeader, "schema has no column names")
	}

	var missing []string
	for i := 0; i < len(r.cfg.Schema); i++ {
		name := r.cfg.Schema[i].Name
		idx, ok := byName[strings.ToLower(name)]
		if !ok {
			missing = append(missing, name)
			continue
		}
		cols[idx].field = name
	}
	if len(missing) > 0 {
		return pipeline.Errorf(pipeline.KindMissingColumns, "missing columns: %v", missing)
	}

	r.cols = cols
	return nil
}

// NextBatch reads up to batchSize records. Row numbers are record
// ordinals starting at 1.
func (r *parquetReader) NextBatch(ctx context.Context) (pipeline.Batch, error) {
	if r.pf == nil {
		return pipeline.Batch{}, fmt.Errorf("reader not opened")
	}
	batch := pipeline.Batch{StartRow: r.nextRow}
	for len(batch.Records) < r.batchSize {
		if err := ctx.Err(); err != nil {
			return pipeline.Batch{}, err
		}
		if r.rows == nil {
			if r.group >= len(r.groups) {
				if len(batch.Records) == 0 {
					return pipeline.Batch{}, io.EOF
				}
				return batch, nil
			}
			r.rows = r.groups[r.group].Rows()
			r.group++
		}

		want := r.batchSize - len(batch.Records)
		n, err := r.rows.ReadRows(r.buf[:want])
		for i := 0; i < n; i++ {
			batch.Records = append(batch.Records, pipeline.Record{
				RowNumber: r.nextRow,
				Fields:    r.record(r.buf[i]),
			})
			r.nextRow++
		}
		if err == io.EOF {
			r.rows.Close()
			r.rows = nil
			continue
		}
		if err != nil {
			return pipeline.Batch{}, fmt.Errorf("reading row %d: %w", r.nextRow, err)
		}
	}
	return batch, nil
}

func (r *parquetReader) record(row parquet.Row) map[string]any {
	fields := make(map[string]any, len(r.cfg.Schema))
	for i := 0; i < len(row); i++ {
		ci := row[i].Column()
		if ci < 0 || ci >= len(r.cols) || r.cols[ci].field == "" {
			continue
		}
		if row[i].IsNull() {
			fields[r.cols[ci].field] = nil
			continue
		}
		fields[r.cols[ci].field] = convertParquetValue(row[i], r.cols[ci])
	}
	return fields
}

// convertParquetValue maps a physical value to the Go type its
// logical annotation implies. Unannotated values keep their physical
// type; the validator coerces from there.
func convertParquetValue(v parquet.Value, c pqColumn) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		if c.date {
			// DATE stores days since the Unix epoch.
			return time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(v.Int32()))
		}
		if c.dec {
			return decimal.New(int64(v.Int32()), -c.scale)
		}
		return int64(v.Int32())
	case parquet.Int64:
		switch {
		case c.ts == unitMillis:
			return time.UnixMilli(v.Int64()).UTC()
		case c.ts == unitMicros:
			return time.UnixMicro(v.Int64()).UTC()
		case c.ts == unitNanos:
			return time.Unix(0, v.Int64()).UTC()
		case c.dec:
			return decimal.New(v.Int64(), -c.scale)
		}
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		if c.dec {
			return decimalFromBytes(v.ByteArray(), c.scale)
		}
		return v.String()
	}
	return v.String()
}

// decimalFromBytes decodes the big-endian two's complement unscaled
// integer parquet uses for byte-array decimals.
func decimalFromBytes(b []byte, scale int32) decimal.Decimal {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return decimal.NewFromBigInt(n, -scale)
}

func (r *parquetReader) Close() error {
	var first error
	if r.rows != nil {
		first = r.rows.Close()
		r.rows = nil
	}
	if r.tmp != nil {
		if err := r.tmp.Close(); err != nil && first == nil {
			first = err
		}
		if err := os.Remove(r.tmp.Name()); err != nil && first == nil {
			first = err
		}
		r.tmp = nil
	}
	if err := r.s.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
