// Package reader turns files of the supported formats into bounded
// batches of raw records. Readers parse and position; all value
// checking belongs to the validator.
package reader

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// defaultBatchSize is used when the caller passes a non-positive
// batch size.
const defaultBatchSize = 5000

// Opener opens the raw byte stream of an object. The file store
// satisfies this.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// mapHeader maps schema fields onto header positions. Matching is
// case-insensitive; columns the schema does not declare are ignored
// and the first occurrence wins when a header name repeats. The
// second return lists schema fields absent from the header.
func mapHeader(header []string, cfg *source.Config) (map[int]string, []string) {
	byName := make(map[string]int, len(header))
	for i := 0; i < len(header); i++ {
		name := strings.ToLower(strings.TrimSpace(header[i]))
		if _, seen := byName[name]; !seen {
			byName[name] = i
		}
	}

	colIdx := make(map[int]string, len(cfg.Schema))
	var missing []string
	for i := 0; i < len(cfg.Schema); i++ {
		name := cfg.Schema[i].Name
		idx, ok := byName[strings.ToLower(name)]
		if !ok {
			missing = append(missing, name)
			continue
		}
		colIdx[idx] = name
	}
	return colIdx, missing
}

// New returns the reader for the source's file type. The reader
// decompresses transparently when the source declares gzip or the
// filename carries a .gz suffix.
func New(opener Opener, job pipeline.FileJob, cfg *source.Config, batchSize int) (pipeline.Reader, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	s := &stream{
		opener:   opener,
		location: job.Location,
		gzipped:  cfg.Compressed(job.Name),
	}
	switch cfg.FileType {
	case source.FileTypeCSV:
		return newCSVReader(s, cfg, batchSize), nil
	case source.FileTypeExcel:
		return newExcelReader(s, cfg, batchSize), nil
	case source.FileTypeJSON:
		return newJSONReader(s, cfg, batchSize), nil
	case source.FileTypeParquet:
		return newParquetReader(s, cfg, batchSize), nil
	default:
		return nil, fmt.Errorf("no reader for file type %q", cfg.FileType)
	}
}
