package reader

import (
	"context"
	"io"
	"testing"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

func csvSource() *source.Config {
	return &source.Config{
		Name:        "customers",
		FilePattern: "customers_*.csv",
		FileType:    source.FileTypeCSV,
		Table:       "public.customers",
		Schema: []source.Field{
			{Name: "id", Type: source.TypeInt},
			{Name: "name", Type: source.TypeString},
			{Name: "age", Type: source.TypeInt, Nullable: true},
		},
		Grain: []string{"id"},
	}
}

// ==============================================================================
// Unit Tests: CSV Reading
// ==============================================================================

func TestCSVReaderReadsRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := []byte("id,name,age,ignored\n1,alice,30,x\n2,bob,,y\n")

	r := openTestReader(t, csvSource(), "customers_1.csv", data)
	records := drain(t, r)

	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	first := records[0]
	if first.RowNumber != 2 {
		t.Errorf("RowNumber = %d, want 2 (first data row after the header)", first.RowNumber)
	}
	if first.Fields["id"] != "1" || first.Fields["name"] != "alice" || first.Fields["age"] != "30" {
		t.Errorf("Fields = %v, want raw strings from row 2", first.Fields)
	}
	if _, ok := first.Fields["ignored"]; ok {
		t.Error("undeclared column leaked into the record")
	}

	if records[1].RowNumber != 3 {
		t.Errorf("RowNumber = %d, want 3", records[1].RowNumber)
	}
}

func TestCSVReaderHeaderCaseInsensitive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := []byte("ID,Name,AGE\n1,alice,30\n")

	r := openTestReader(t, csvSource(), "customers_1.csv", data)
	records := drain(t, r)

	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Fields["id"] != "1" {
		t.Errorf("Fields = %v, want values keyed by declared field names", records[0].Fields)
	}
}

func TestCSVReaderShortRowLeavesFieldsAbsent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := []byte("id,name,age\n1,alice\n")

	r := openTestReader(t, csvSource(), "customers_1.csv", data)
	records := drain(t, r)

	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if _, ok := records[0].Fields["age"]; ok {
		t.Errorf("Fields = %v, short row must leave trailing fields absent", records[0].Fields)
	}
}

func TestCSVReaderSkipRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := csvSource()
	cfg.Options.SkipRows = 2

	data := []byte("id,name,age\n91,skipme,1\n92,skimtoo,2\n1,alice,30\n")

	r := openTestReader(t, cfg, "customers_1.csv", data)
	records := drain(t, r)

	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 after skipping two data rows", len(records))
	}
	if records[0].Fields["name"] != "alice" {
		t.Errorf("Fields = %v, want the row after the skipped ones", records[0].Fields)
	}
	if records[0].RowNumber != 4 {
		t.Errorf("RowNumber = %d, want 4 (header + 2 skipped + 1)", records[0].RowNumber)
	}
}

func TestCSVReaderCustomDelimiter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := csvSource()
	cfg.Options.Delimiter = "|"

	data := []byte("id|name|age\n1|alice|30\n")

	r := openTestReader(t, cfg, "customers_1.csv", data)
	records := drain(t, r)

	if len(records) != 1 || records[0].Fields["name"] != "alice" {
		t.Errorf("records = %v, want one pipe-delimited row", records)
	}
}

func TestCSVReaderStripsBOM(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("id,name,age\n1,alice,30\n")...)

	r := openTestReader(t, csvSource(), "customers_1.csv", data)
	records := drain(t, r)

	if len(records) != 1 || records[0].Fields["id"] != "1" {
		t.Errorf("records = %v, BOM must not corrupt the first header cell", records)
	}
}

func TestCSVReaderGzip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := gzipped(t, []byte("id,name,age\n1,alice,30\n"))

	r := openTestReader(t, csvSource(), "customers_1.csv.gz", data)
	records := drain(t, r)

	if len(records) != 1 || records[0].Fields["name"] != "alice" {
		t.Errorf("records = %v, want transparent decompression by extension", records)
	}
}

func TestCSVReaderHeaderOnly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := openTestReader(t, csvSource(), "customers_1.csv", []byte("id,name,age\n"))

	_, err := r.NextBatch(context.Background())
	if err != io.EOF {
		t.Fatalf("NextBatch() = %v, want io.EOF for a header-only file", err)
	}
}

// ==============================================================================
// Unit Tests: CSV Header Failures
// ==============================================================================

func TestCSVReaderEmptyFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newTestReader(t, csvSource(), "customers_1.csv", nil)

	wantKind(t, r.Open(context.Background()), pipeline.KindMissingHeader)
}

func TestCSVReaderBlankHeader(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newTestReader(t, csvSource(), "customers_1.csv", []byte("  , ,\n1,alice,30\n"))

	wantKind(t, r.Open(context.Background()), pipeline.KindMissingHeader)
}

func TestCSVReaderMissingColumns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := newTestReader(t, csvSource(), "customers_1.csv", []byte("id,name\n1,alice\n"))

	wantKind(t, r.Open(context.Background()), pipeline.KindMissingColumns)
}

func TestCSVReaderRejectsUnknownEncoding(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := csvSource()
	cfg.Options.Encoding = "latin-1"

	r := newTestReader(t, cfg, "customers_1.csv", []byte("id,name,age\n"))

	if err := r.Open(context.Background()); err == nil {
		t.Fatal("Open() accepted an unsupported encoding")
	}
}
