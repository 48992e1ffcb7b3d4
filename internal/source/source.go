// Package source defines the declarative source configuration that binds a
// filename pattern to a target table, row schema, grain, validation rules,
// audits, and notification policy. Configurations are immutable for the
// process lifetime; the registry resolves files to sources first-match-wins.
package source

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Sentinel errors for source definition problems. All of them surface as
// configuration errors, fatal at startup.
var (
	ErrMissingName        = errors.New("source name is required")
	ErrMissingPattern     = errors.New("file_pattern is required")
	ErrBadPattern         = errors.New("file_pattern is not a valid glob")
	ErrMissingTable       = errors.New("table is required")
	ErrUnknownFileType    = errors.New("file_type must be one of csv, excel, json, parquet")
	ErrUnknownGzipMode    = errors.New("gzip must be one of auto, always, never")
	ErrNoFields           = errors.New("schema must declare at least one field")
	ErrDuplicateField     = errors.New("schema field declared twice")
	ErrUnknownFieldType   = errors.New("unknown field type")
	ErrBadFieldPattern    = errors.New("field pattern does not compile")
	ErrEmptyGrain         = errors.New("grain must name at least one field")
	ErrGrainNotInSchema   = errors.New("grain field is not in the schema")
	ErrGrainNullable      = errors.New("grain fields must be non-nullable")
	ErrNegativeThreshold  = errors.New("validation_error_threshold must not be negative")
	ErrMissingAuditName   = errors.New("audit name is required")
	ErrMissingAuditQuery  = errors.New("audit query is required")
	ErrBadAuditPredicate  = errors.New("audit predicate must be one of = != < <= > >=")
	ErrInvalidSourceName  = errors.New("source name must be lowercase letters, digits and underscores")
)

// FileType tags the reader used for a source.
type FileType string

const (
	FileTypeCSV     FileType = "csv"
	FileTypeExcel   FileType = "excel"
	FileTypeJSON    FileType = "json"
	FileTypeParquet FileType = "parquet"
)

// GzipMode controls transparent decompression of the byte stream.
type GzipMode string

const (
	// GzipAuto decompresses when the filename ends in .gz.
	GzipAuto GzipMode = "auto"
	// GzipAlways decompresses unconditionally.
	GzipAlways GzipMode = "always"
	// GzipNever passes the stream through untouched.
	GzipNever GzipMode = "never"
)

// FieldType is the semantic type a raw value is coerced into during
// validation.
type FieldType string

const (
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeDecimal  FieldType = "decimal"
	TypeString   FieldType = "string"
	TypeBool     FieldType = "bool"
	TypeDate     FieldType = "date"
	TypeDatetime FieldType = "datetime"
	TypeJSON     FieldType = "json"
)

var validFieldTypes = map[FieldType]bool{
	TypeInt: true, TypeFloat: true, TypeDecimal: true, TypeString: true,
	TypeBool: true, TypeDate: true, TypeDatetime: true, TypeJSON: true,
}

// sourceNameRegexp keeps names safe for use inside stage table identifiers.
var sourceNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type (
	// Config declares one ingestable source. Loaded from YAML once at
	// startup and never mutated afterwards.
	Config struct {
		Name        string        `yaml:"name"`
		FilePattern string        `yaml:"file_pattern"`
		FileType    FileType      `yaml:"file_type"`
		Gzip        GzipMode      `yaml:"gzip"`
		Table       string        `yaml:"table"`
		Options     Options       `yaml:"options"`
		Schema      []Field       `yaml:"schema"`
		Grain       []string      `yaml:"grain"`
		Threshold   int64         `yaml:"validation_error_threshold"`
		Audits      []Audit       `yaml:"audits"`
		Notify      Notifications `yaml:"notifications"`
	}

	// Options carries the file-type specific reader settings. Unused
	// options for a given file type are ignored.
	Options struct {
		Delimiter  string `yaml:"delimiter"`   // csv, default ","
		Encoding   string `yaml:"encoding"`    // csv, default "utf-8"
		SkipRows   int    `yaml:"skip_rows"`   // csv + excel, data rows skipped after the header
		SheetName  string `yaml:"sheet_name"`  // excel, default first sheet
		RecordPath string `yaml:"record_path"` // json, dot-separated path to the record array
	}

	// Field declares one column of the row schema with its validation
	// constraints.
	Field struct {
		Name      string    `yaml:"name"`
		Type      FieldType `yaml:"type"`
		Nullable  bool      `yaml:"nullable"`
		Min       *float64  `yaml:"min"`
		Max       *float64  `yaml:"max"`
		MaxLength int       `yaml:"max_length"`
		Pattern   string    `yaml:"pattern"`
		Allowed   []string  `yaml:"allowed"`

		compiledPattern *regexp.Regexp
	}

	// Audit is a post-write scalar check against the staging table. The
	// query may reference the stage table as {stage}; the observed scalar
	// must satisfy `observed <predicate> expected`.
	Audit struct {
		Name      string  `yaml:"name"`
		Query     string  `yaml:"query"`
		Predicate string  `yaml:"predicate"`
		Expected  float64 `yaml:"expected"`
	}

	// Notifications is the per-source stakeholder policy. The data team
	// address from process config is CC'd in addition to CC.
	Notifications struct {
		Emails []string `yaml:"emails"`
		CC     []string `yaml:"cc"`
	}
)

var validPredicates = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// Validate checks the declaration and compiles field patterns. It must be
// called once after loading; Match and the validator rely on it.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}

	if !sourceNameRegexp.MatchString(c.Name) {
		return fmt.Errorf("%w: got %q", ErrInvalidSourceName, c.Name)
	}

	if c.FilePattern == "" {
		return fmt.Errorf("%w: source %q", ErrMissingPattern, c.Name)
	}

	// path.Match reports malformed patterns regardless of the name probed.
	if _, err := path.Match(c.FilePattern, "probe"); err != nil {
		return fmt.Errorf("%w: source %q pattern %q", ErrBadPattern, c.Name, c.FilePattern)
	}

	switch c.FileType {
	case FileTypeCSV, FileTypeExcel, FileTypeJSON, FileTypeParquet:
	default:
		return fmt.Errorf("%w: source %q got %q", ErrUnknownFileType, c.Name, c.FileType)
	}

	if c.Gzip == "" {
		c.Gzip = GzipAuto
	}

	switch c.Gzip {
	case GzipAuto, GzipAlways, GzipNever:
	default:
		return fmt.Errorf("%w: source %q got %q", ErrUnknownGzipMode, c.Name, c.Gzip)
	}

	if c.Table == "" {
		return fmt.Errorf("%w: source %q", ErrMissingTable, c.Name)
	}

	if err := c.validateSchema(); err != nil {
		return err
	}

	if err := c.validateGrain(); err != nil {
		return err
	}

	if c.Threshold < 0 {
		return fmt.Errorf("%w: source %q", ErrNegativeThreshold, c.Name)
	}

	for i := range c.Audits {
		if err := c.Audits[i].validate(c.Name); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateSchema() error {
	if len(c.Schema) == 0 {
		return fmt.Errorf("%w: source %q", ErrNoFields, c.Name)
	}

	seen := make(map[string]bool, len(c.Schema))

	for i := range c.Schema {
		field := &c.Schema[i]

		if seen[field.Name] {
			return fmt.Errorf("%w: source %q field %q", ErrDuplicateField, c.Name, field.Name)
		}

		seen[field.Name] = true

		if !validFieldTypes[field.Type] {
			return fmt.Errorf("%w: source %q field %q type %q", ErrUnknownFieldType, c.Name, field.Name, field.Type)
		}

		if field.Pattern != "" {
			compiled, err := regexp.Compile(field.Pattern)
			if err != nil {
				return fmt.Errorf("%w: source %q field %q: %w", ErrBadFieldPattern, c.Name, field.Name, err)
			}

			field.compiledPattern = compiled
		}
	}

	return nil
}

func (c *Config) validateGrain() error {
	if len(c.Grain) == 0 {
		return fmt.Errorf("%w: source %q", ErrEmptyGrain, c.Name)
	}

	for _, grainField := range c.Grain {
		field := c.FieldByName(grainField)
		if field == nil {
			return fmt.Errorf("%w: source %q grain field %q", ErrGrainNotInSchema, c.Name, grainField)
		}

		if field.Nullable {
			return fmt.Errorf("%w: source %q grain field %q", ErrGrainNullable, c.Name, grainField)
		}
	}

	return nil
}

func (a *Audit) validate(sourceName string) error {
	if a.Name == "" {
		return fmt.Errorf("%w: source %q", ErrMissingAuditName, sourceName)
	}

	if a.Query == "" {
		return fmt.Errorf("%w: source %q audit %q", ErrMissingAuditQuery, sourceName, a.Name)
	}

	if !validPredicates[a.Predicate] {
		return fmt.Errorf("%w: source %q audit %q got %q", ErrBadAuditPredicate, sourceName, a.Name, a.Predicate)
	}

	return nil
}

// Match reports whether the base filename matches the source pattern.
// Matching is case-sensitive glob; a trailing .gz is stripped first so
// that "orders_*.csv" also claims "orders_1.csv.gz".
func (c *Config) Match(filename string) bool {
	base := path.Base(filename)

	if matched, _ := path.Match(c.FilePattern, base); matched {
		return true
	}

	if stripped, ok := strings.CutSuffix(base, ".gz"); ok {
		if matched, _ := path.Match(c.FilePattern, stripped); matched {
			return true
		}
	}

	return false
}

// Compressed reports whether the named file's byte stream is gzip
// compressed: GzipAlways and GzipNever force the answer, GzipAuto goes
// by the extension.
func (c *Config) Compressed(filename string) bool {
	switch c.Gzip {
	case GzipAlways:
		return true
	case GzipNever:
		return false
	default:
		return strings.HasSuffix(strings.ToLower(path.Base(filename)), ".gz")
	}
}

// FieldByName returns the schema field or nil.
func (c *Config) FieldByName(name string) *Field {
	for i := range c.Schema {
		if c.Schema[i].Name == name {
			return &c.Schema[i]
		}
	}

	return nil
}

// FieldNames returns the schema field names in declaration order.
func (c *Config) FieldNames() []string {
	names := make([]string, len(c.Schema))
	for i := range c.Schema {
		names[i] = c.Schema[i].Name
	}

	return names
}

// CompiledPattern returns the field's compiled constraint pattern, or nil
// when none is declared. Valid only after Config.Validate.
func (f *Field) CompiledPattern() *regexp.Regexp {
	return f.compiledPattern
}
