package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafeIdent is returned when a declared column name cannot be
// embedded in DDL.
var ErrUnsafeIdent = errors.New("column name is not a safe SQL identifier")

// stagePrefix namespaces per-load stage tables so they are easy to
// spot and safe to sweep after a crash.
const stagePrefix = "stg"

// StageName derives the stage table name for one load. Source names
// are already restricted to [a-z0-9_], and the id suffix keeps
// concurrent loads of the same source from colliding.
//
// Example:
//
//	StageName("customers", 42)  // "stg_customers_42"
func StageName(sourceName string, fileLoadID int64) string {
	return fmt.Sprintf("%s_%s_%d", stagePrefix, sourceName, fileLoadID)
}

// SplitTable splits an optionally schema-qualified table name.
//
// Example:
//
//	SplitTable("public.customers")  // "public", "customers"
//	SplitTable("customers")         // "", "customers"
func SplitTable(table string) (schema, name string) {
	if idx := strings.LastIndex(table, "."); idx >= 0 {
		return table[:idx], table[idx+1:]
	}

	return "", table
}

// SafeIdent reports whether name can be embedded in DDL after
// quoting: letters, digits and underscores only, starting with a
// letter or underscore. CreateStage runs declared column names through
// here before any stage DDL is rendered.
func SafeIdent(name string) bool {
	if name == "" {
		return false
	}

	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}

	return true
}
