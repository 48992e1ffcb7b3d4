package reader

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// excelEpoch is day zero of the 1900 date system: 1899-12-30, because
// of the historical Lotus leap year bug.
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// excelReader streams one worksheet of an xlsx workbook. Cells are
// read raw, so date cells surface as serial day numbers and get
// converted here before the validator sees them.
type excelReader struct {
	s         *stream
	cfg       *source.Config
	batchSize int

	f        *excelize.File
	rows     *excelize.Rows
	colIdx   map[int]string
	dateCols map[string]bool
	nextRow  int64
}

var _ pipeline.Reader = (*excelReader)(nil)

func newExcelReader(s *stream, cfg *source.Config, batchSize int) *excelReader {
	dateCols := make(map[string]bool)
	for i := 0; i < len(cfg.Schema); i++ {
		f := &cfg.Schema[i]
		if f.Type == source.TypeDate || f.Type == source.TypeDatetime {
			dateCols[f.Name] = true
		}
	}
	return &excelReader{s: s, cfg: cfg, batchSize: batchSize, dateCols: dateCols}
}

// Open loads the workbook, selects the sheet and maps the header.
// excelize buffers the whole workbook, which is acceptable because
// xlsx is a zip container and cannot be streamed row by row anyway.
func (r *excelReader) Open(ctx context.Context) error {
	raw, err := r.s.open(ctx)
	if err != nil {
		return err
	}
	f, err := excelize.OpenReader(raw)
	if err != nil {
		return fmt.Errorf("opening workbook: %w", err)
	}
	r.f = f

	sheet := r.cfg.Options.SheetName
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return pipeline.Errorf(pipeline.KindMissingHeader, "workbook has no sheets")
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("opening sheet %q: %w", sheet, err)
	}
	r.rows = rows

	if !rows.Next() {
		return pipeline.Errorf(pipeline.KindMissingHeader, "sheet has no header row")
	}
	header, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if blankRow(header) {
		return pipeline.Errorf(pipeline.KindMissingHeader, "header row is blank")
	}
	colIdx, missing := mapHeader(header, r.cfg)
	if len(missing) > 0 {
		return pipeline.Errorf(pipeline.KindMissingColumns, "missing columns: %v", missing)
	}

	// skip_rows discards leading data rows, not the header.
	for i := 0; i < r.cfg.Options.SkipRows; i++ {
		if !rows.Next() {
			break
		}
	}

	r.colIdx = colIdx
	r.nextRow = int64(r.cfg.Options.SkipRows) + 2
	return nil
}

// NextBatch reads up to batchSize rows. Fully blank rows, common at
// the bottom of hand-edited sheets, are skipped.
func (r *excelReader) NextBatch(ctx context.Context) (pipeline.Batch, error) {
	if r.rows == nil {
		return pipeline.Batch{}, fmt.Errorf("reader not opened")
	}
	batch := pipeline.Batch{StartRow: r.nextRow}
	for len(batch.Records) < r.batchSize {
		if err := ctx.Err(); err != nil {
			return pipeline.Batch{}, err
		}
		if !r.rows.Next() {
			if err := r.rows.Error(); err != nil {
				return pipeline.Batch{}, fmt.Errorf("reading row %d: %w", r.nextRow, err)
			}
			if len(batch.Records) == 0 {
				return pipeline.Batch{}, io.EOF
			}
			return batch, nil
		}
		cells, err := r.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return pipeline.Batch{}, fmt.Errorf("reading row %d: %w", r.nextRow, err)
		}
		if blankRow(cells) {
			r.nextRow++
			continue
		}

		fields := make(map[string]any, len(r.colIdx))
		for idx, name := range r.colIdx {
			if idx < len(cells) {
				fields[name] = r.cellValue(name, cells[idx])
			}
		}
		batch.Records = append(batch.Records, pipeline.Record{RowNumber: r.nextRow, Fields: fields})
		r.nextRow++
	}
	return batch, nil
}

func (r *excelReader) Close() error {
	var err error
	if r.rows != nil {
		err = r.rows.Close()
		r.rows = nil
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	if cerr := r.s.Close(); err == nil {
		err = cerr
	}
	return err
}

// cellValue converts serial day numbers into times for date-typed
// fields; everything else passes through as the raw cell text.
func (r *excelReader) cellValue(field, cell string) any {
	if cell == "" || !r.dateCols[field] {
		return cell
	}
	serial, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return cell
	}
	return timeFromSerial(serial)
}

// timeFromSerial converts an Excel serial day number, truncating the
// fractional day to whole seconds.
func timeFromSerial(serial float64) time.Time {
	days := math.Floor(serial)
	secs := math.Floor((serial - days) * 86400)
	return excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(secs) * time.Second)
}

func blankRow(cells []string) bool {
	for i := 0; i < len(cells); i++ {
		if strings.TrimSpace(cells[i]) != "" {
			return false
		}
	}
	return true
}
