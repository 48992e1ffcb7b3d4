package reader

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// csvReader streams delimited files. Quoting follows RFC 4180; the
// delimiter comes from the source options.
type csvReader struct {
	s         *stream
	cfg       *source.Config
	batchSize int

	cr      *csv.Reader
	colIdx  map[int]string
	nextRow int64
}

var _ pipeline.Reader = (*csvReader)(nil)

func newCSVReader(s *stream, cfg *source.Config, batchSize int) *csvReader {
	return &csvReader{s: s, cfg: cfg, batchSize: batchSize}
}

// Open parses the header, maps schema fields onto column positions
// and skips the declared number of leading data rows.
func (r *csvReader) Open(ctx context.Context) error {
	if enc := strings.ToLower(r.cfg.Options.Encoding); enc != "" && enc != "utf-8" && enc != "utf8" {
		return fmt.Errorf("unsupported encoding %q", r.cfg.Options.Encoding)
	}

	raw, err := r.s.open(ctx)
	if err != nil {
		return err
	}
	cr := csv.NewReader(newBOMReader(raw))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	if d := r.cfg.Options.Delimiter; d != "" {
		cr.Comma = []rune(d)[0]
	}

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return pipeline.Errorf(pipeline.KindMissingHeader, "file has no header row")
		}
		return fmt.Errorf("reading header: %w", err)
	}
	if blankHeader(header) {
		return pipeline.Errorf(pipeline.KindMissingHeader, "header row is blank")
	}
	if err := r.indexHeader(header); err != nil {
		return err
	}

	// skip_rows discards leading data rows, not the header.
	for i := 0; i < r.cfg.Options.SkipRows; i++ {
		if _, err := cr.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("skipping row %d: %w", i+2, err)
		}
	}

	r.cr = cr
	r.nextRow = int64(r.cfg.Options.SkipRows) + 2
	return nil
}

// blankHeader reports a header whose cells are all empty or
// whitespace.
func blankHeader(header []string) bool {
	for i := 0; i < len(header); i++ {
		if strings.TrimSpace(header[i]) != "" {
			return false
		}
	}
	return true
}

func (r *csvReader) indexHeader(header []string) error {
	colIdx, missing := mapHeader(header, r.cfg)
	if len(missing) > 0 {
		return pipeline.Errorf(pipeline.KindMissingColumns, "missing columns: %v", missing)
	}
	r.colIdx = colIdx
	return nil
}

// NextBatch reads up to batchSize records. Row numbers count from the
// top of the file, so the first data row is skip_rows + 2.
func (r *csvReader) NextBatch(ctx context.Context) (pipeline.Batch, error) {
	if r.cr == nil {
		return pipeline.Batch{}, fmt.Errorf("reader not opened")
	}
	batch := pipeline.Batch{StartRow: r.nextRow}
	for len(batch.Records) < r.batchSize {
		if err := ctx.Err(); err != nil {
			return pipeline.Batch{}, err
		}
		rec, err := r.cr.Read()
		if err == io.EOF {
			if len(batch.Records) == 0 {
				return pipeline.Batch{}, io.EOF
			}
			return batch, nil
		}
		if err != nil {
			return pipeline.Batch{}, fmt.Errorf("reading row %d: %w", r.nextRow, err)
		}

		fields := make(map[string]any, len(r.colIdx))
		for idx, name := range r.colIdx {
			// Short rows leave their trailing fields absent; the
			// validator treats absent as NULL.
			if idx < len(rec) {
				fields[name] = rec[idx]
			}
		}
		batch.Records = append(batch.Records, pipeline.Record{RowNumber: r.nextRow, Fields: fields})
		r.nextRow++
	}
	return batch, nil
}

func (r *csvReader) Close() error { return r.s.Close() }

// newBOMReader strips a leading UTF-8 byte order mark.
func newBOMReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}
