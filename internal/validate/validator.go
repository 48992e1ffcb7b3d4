// Package validate applies a source's declared schema to batches of
// records: type coercion, nullability, per-field constraints and the
// streaming grain pre-check. Rejected records carry enough context to
// be replayed from the dead letter queue.
package validate

import (
	"fmt"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// issue is one field-level rejection reason within a record.
type issue struct {
	fields []string
	reason string
}

// Validator validates one file's records. It keeps the grain keys
// seen so far, so it must see batches in source order and is not safe
// for concurrent use.
type Validator struct {
	cfg     *source.Config
	seen    map[string]struct{}
	invalid int64
}

var _ pipeline.Validator = (*Validator)(nil)

// New creates a Validator for one file load.
func New(cfg *source.Config) *Validator {
	return &Validator{cfg: cfg, seen: make(map[string]struct{})}
}

// ValidateBatch splits a batch into coerced valid records and
// failures. Grain duplicates within the file resolve first-wins: the
// first record with a given grain key is kept, later ones are
// rejected.
func (v *Validator) ValidateBatch(batch pipeline.Batch) pipeline.ValidatedBatch {
	out := pipeline.ValidatedBatch{Valid: make([]pipeline.Record, 0, len(batch.Records))}
	for i := 0; i < len(batch.Records); i++ {
		rec := &batch.Records[i]
		coerced, issues := v.validateRecord(rec)
		if len(issues) == 0 {
			key := coerced.GrainKey(v.cfg.Grain)
			if _, dup := v.seen[key]; !dup {
				v.seen[key] = struct{}{}
				out.Valid = append(out.Valid, coerced)
				continue
			}
			issues = append(issues, issue{
				fields: v.cfg.Grain,
				reason: fmt.Sprintf("DuplicateGrain: %q, first occurrence wins", key),
			})
		}
		v.invalid++
		out.Invalid = append(out.Invalid, v.failure(rec, &coerced, issues))
	}
	return out
}

// InvalidCount returns the running number of rejected records.
func (v *Validator) InvalidCount() int64 { return v.invalid }

// validateRecord coerces and checks every schema field. Fields absent
// from the record are NULLs, which is how sparse JSON documents and
// ragged rows surface here. Fields that fail are left out of the
// coerced record.
func (v *Validator) validateRecord(rec *pipeline.Record) (pipeline.Record, []issue) {
	coerced := pipeline.Record{
		RowNumber: rec.RowNumber,
		Fields:    make(map[string]any, len(v.cfg.Schema)),
	}
	var issues []issue
	for i := 0; i < len(v.cfg.Schema); i++ {
		f := &v.cfg.Schema[i]
		val, err := coerce(rec.Fields[f.Name], f.Type)
		if err != nil {
			issues = append(issues, issue{
				fields: []string{f.Name},
				reason: fmt.Sprintf("field %s: %v", f.Name, err),
			})
			continue
		}
		if val == nil {
			if !f.Nullable {
				issues = append(issues, issue{
					fields: []string{f.Name},
					reason: fmt.Sprintf("field %s: null in non-nullable field", f.Name),
				})
				continue
			}
			coerced.Fields[f.Name] = nil
			continue
		}
		if err := checkConstraints(val, f); err != nil {
			issues = append(issues, issue{
				fields: []string{f.Name},
				reason: fmt.Sprintf("field %s: %v", f.Name, err),
			})
			continue
		}
		coerced.Fields[f.Name] = val
	}
	return coerced, issues
}

// failure builds the dead letter entry for a rejected record. The
// grain key prefers coerced values so it lines up with the key format
// the published data uses, falling back to raw values for fields that
// never coerced.
func (v *Validator) failure(rec *pipeline.Record, coerced *pipeline.Record, issues []issue) pipeline.ValidationFailure {
	keyFields := make(map[string]any, len(v.cfg.Grain))
	for _, g := range v.cfg.Grain {
		if cv, ok := coerced.Fields[g]; ok && cv != nil {
			keyFields[g] = cv
		} else {
			keyFields[g] = rec.Fields[g]
		}
	}
	keyRec := pipeline.Record{Fields: keyFields}

	var fields, reasons []string
	for i := 0; i < len(issues); i++ {
		fields = append(fields, issues[i].fields...)
		reasons = append(reasons, issues[i].reason)
	}
	return pipeline.ValidationFailure{
		SourceName:      v.cfg.Name,
		SourceRowNumber: rec.RowNumber,
		GrainKey:        keyRec.GrainKey(v.cfg.Grain),
		FailedFields:    fields,
		Reasons:         reasons,
		OriginalRow:     rec.Fields,
	}
}

// checkConstraints applies the declared constraints to a coerced,
// non-nil value.
func checkConstraints(v any, f *source.Field) error {
	if f.Min != nil || f.Max != nil {
		if n, ok := numericValue(v); ok {
			if f.Min != nil && n < *f.Min {
				return fmt.Errorf("%v below min %v", v, *f.Min)
			}
			if f.Max != nil && n > *f.Max {
				return fmt.Errorf("%v above max %v", v, *f.Max)
			}
		}
	}

	if s, ok := v.(string); ok {
		if f.MaxLength > 0 && utf8.RuneCountInString(s) > f.MaxLength {
			return fmt.Errorf("length %d above max_length %d", utf8.RuneCountInString(s), f.MaxLength)
		}
		if p := f.CompiledPattern(); p != nil && !p.MatchString(s) {
			return fmt.Errorf("%q does not match pattern %s", s, f.Pattern)
		}
	}

	if len(f.Allowed) > 0 {
		sv := stringForm(v)
		for _, a := range f.Allowed {
			if sv == a {
				return nil
			}
		}
		return fmt.Errorf("%q not in allowed values", sv)
	}
	return nil
}

// numericValue extracts a comparable float for min/max checks.
func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, true
	default:
		return 0, false
	}
}

func stringForm(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
