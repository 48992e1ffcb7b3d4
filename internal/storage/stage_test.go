package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/fileloader-io/fileloader/internal/source"
)

// ==============================================================================
// Unit Tests: Insert Chunk Sizing
// ==============================================================================

func TestInsertChunkHonoursBulkCopyFlag(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := NewStageStore(nil)

	if got := s.insertChunk(SQLServerDialect{}, 8); got != insertParamBudget/8 {
		t.Errorf("insertChunk() = %d, want the default budget before the flag", got)
	}

	s.EnableBulkCopy()

	if got := s.insertChunk(SQLServerDialect{}, 8); got != bulkCopyParamBudget/8 {
		t.Errorf("insertChunk() = %d, want the widened SQL Server budget", got)
	}

	// The flag is SQL Server specific.
	if got := s.insertChunk(MySQLDialect{}, 8); got != insertParamBudget/8 {
		t.Errorf("insertChunk() = %d, other dialects must keep the default", got)
	}
}

func TestInsertChunkNeverDropsBelowOneRow(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := NewStageStore(nil)

	if got := s.insertChunk(MySQLDialect{}, insertParamBudget*2); got != 1 {
		t.Errorf("insertChunk() = %d, want 1 for very wide rows", got)
	}
}

// ==============================================================================
// Unit Tests: Identifier Guarding
// ==============================================================================

func TestCreateStageRejectsUnsafeColumn(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &source.Config{
		Name:  "items",
		Table: "public.items",
		Schema: []source.Field{
			{Name: "id", Type: source.TypeInt},
			{Name: `name"; DROP TABLE items; --`, Type: source.TypeString},
		},
		Grain: []string{"id"},
	}

	s := NewStageStore(&Connection{})

	_, err := s.CreateStage(context.Background(), cfg, 1)
	if !errors.Is(err, ErrUnsafeIdent) {
		t.Errorf("CreateStage() = %v, want ErrUnsafeIdent", err)
	}
}

func TestSafeIdent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		want bool
	}{
		{"customer_id", true},
		{"_internal", true},
		{"Col9", true},
		{"", false},
		{"9lives", false},
		{"bad-name", false},
		{`quo"ted`, false},
	}

	for _, tt := range tests {
		if got := SafeIdent(tt.name); got != tt.want {
			t.Errorf("SafeIdent(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitTable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		table  string
		schema string
		name   string
	}{
		{"public.customers", "public", "customers"},
		{"customers", "", "customers"},
		{"db.dbo.customers", "db.dbo", "customers"},
	}

	for _, tt := range tests {
		schema, name := SplitTable(tt.table)
		if schema != tt.schema || name != tt.name {
			t.Errorf("SplitTable(%q) = %q, %q, want %q, %q",
				tt.table, schema, name, tt.schema, tt.name)
		}
	}
}
