package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// jsonReader streams a JSON document whose records sit in an array,
// either at the top level or under the source's record_path. Records
// decode one at a time, so document size does not bound memory.
//
// There is no header row: the schema is checked against the first
// record's flattened keys, and a document with no records at all is a
// no-data failure rather than a header failure.
type jsonReader struct {
	s         *stream
	cfg       *source.Config
	batchSize int

	dec     *json.Decoder
	first   map[string]any
	nextRow int64
}

var _ pipeline.Reader = (*jsonReader)(nil)

func newJSONReader(s *stream, cfg *source.Config, batchSize int) *jsonReader {
	return &jsonReader{s: s, cfg: cfg, batchSize: batchSize}
}

// Open walks the document to the record array and validates the
// schema against the first record.
func (r *jsonReader) Open(ctx context.Context) error {
	raw, err := r.s.open(ctx)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(newBOMReader(raw))
	// Numbers decode as json.Number so 64-bit ids survive untruncated.
	dec.UseNumber()

	var path []string
	if p := strings.TrimSpace(r.cfg.Options.RecordPath); p != "" {
		path = strings.Split(p, ".")
	}
	if err := seekRecords(dec, path); err != nil {
		return err
	}
	if !dec.More() {
		return pipeline.Errorf(pipeline.KindNoDataInFile, "record array is empty")
	}

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decoding first record: %w", err)
	}
	first := flatten(doc)
	if missing := missingFields(first, r.cfg); len(missing) > 0 {
		return pipeline.Errorf(pipeline.KindMissingColumns, "missing columns: %v", missing)
	}

	r.dec = dec
	r.first = first
	r.nextRow = 1
	return nil
}

// seekRecords advances the decoder past the opening bracket of the
// record array. A document that cannot contain records is a no-data
// failure, mirroring how an absent or non-array path yields zero
// records.
func seekRecords(dec *json.Decoder, path []string) error {
	tok, err := dec.Token()
	if err == io.EOF {
		return pipeline.Errorf(pipeline.KindNoDataInFile, "file is empty")
	}
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	for _, segment := range path {
		if tok != json.Delim('{') {
			return pipeline.Errorf(pipeline.KindNoDataInFile,
				"record path segment %q: expected an object", segment)
		}
		found := false
		for !found {
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("reading document: %w", err)
			}
			if keyTok == json.Delim('}') {
				return pipeline.Errorf(pipeline.KindNoDataInFile,
					"record path segment %q not found", segment)
			}
			key, ok := keyTok.(string)
			if !ok {
				return fmt.Errorf("reading document: unexpected token %v", keyTok)
			}
			if key == segment {
				if tok, err = dec.Token(); err != nil {
					return fmt.Errorf("reading document: %w", err)
				}
				found = true
				continue
			}
			// Not on the path: skip this key's whole value.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("reading document: %w", err)
			}
		}
	}

	if tok != json.Delim('[') {
		if len(path) == 0 {
			return pipeline.Errorf(pipeline.KindNoDataInFile,
				"top-level value is not an array; set record_path for nested records")
		}
		return pipeline.Errorf(pipeline.KindNoDataInFile,
			"record path %q is not an array", strings.Join(path, "."))
	}
	return nil
}

// missingFields lists schema fields absent from the first record's
// flattened keys. Flattened keys are already lowercase, so matching
// is case-insensitive.
func missingFields(first map[string]any, cfg *source.Config) []string {
	var missing []string
	for i := 0; i < len(cfg.Schema); i++ {
		if _, ok := first[strings.ToLower(cfg.Schema[i].Name)]; !ok {
			missing = append(missing, cfg.Schema[i].Name)
		}
	}
	return missing
}

// NextBatch decodes up to batchSize records. Row numbers are record
// ordinals starting at 1.
func (r *jsonReader) NextBatch(ctx context.Context) (pipeline.Batch, error) {
	if r.dec == nil {
		return pipeline.Batch{}, fmt.Errorf("reader not opened")
	}
	batch := pipeline.Batch{StartRow: r.nextRow}
	for len(batch.Records) < r.batchSize {
		if err := ctx.Err(); err != nil {
			return pipeline.Batch{}, err
		}

		var flat map[string]any
		if r.first != nil {
			flat = r.first
			r.first = nil
		} else {
			if !r.dec.More() {
				if len(batch.Records) == 0 {
					return pipeline.Batch{}, io.EOF
				}
				return batch, nil
			}
			var doc map[string]any
			if err := r.dec.Decode(&doc); err != nil {
				return pipeline.Batch{}, fmt.Errorf("decoding record %d: %w", r.nextRow, err)
			}
			flat = flatten(doc)
		}
		batch.Records = append(batch.Records, pipeline.Record{
			RowNumber: r.nextRow,
			Fields:    r.remap(flat),
		})
		r.nextRow++
	}
	return batch, nil
}

func (r *jsonReader) Close() error { return r.s.Close() }

// remap aliases flattened keys onto schema field names whose declared
// casing differs, so validator lookups hit.
func (r *jsonReader) remap(flat map[string]any) map[string]any {
	for i := 0; i < len(r.cfg.Schema); i++ {
		name := r.cfg.Schema[i].Name
		lower := strings.ToLower(name)
		if lower == name {
			continue
		}
		if v, ok := flat[lower]; ok {
			flat[name] = v
		}
	}
	return flat
}

// flatten folds nested objects into lowercased, underscore-joined
// keys. Arrays of objects flatten element-wise with the index in the
// key; other arrays stay intact for json-typed fields.
func flatten(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out map[string]any, prefix string, doc map[string]any) {
	for k, v := range doc {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch x := v.(type) {
		case map[string]any:
			flattenInto(out, key, x)
		case []any:
			if objectArray(x) {
				for i := 0; i < len(x); i++ {
					if m, ok := x[i].(map[string]any); ok {
						flattenInto(out, key+"_"+strconv.Itoa(i), m)
					} else {
						out[key+"_"+strconv.Itoa(i)] = x[i]
					}
				}
				continue
			}
			out[key] = x
		default:
			out[key] = v
		}
	}
}

// objectArray reports an array whose first element is an object, the
// shape that flattens element-wise.
func objectArray(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	_, ok := arr[0].(map[string]any)
	return ok
}
