package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fileloader-io/fileloader/internal/source"
)

// Accepted textual layouts, tried in order. Dates and datetimes from
// typed formats (Excel, Parquet, JSON numbers) arrive as time.Time
// and skip parsing entirely.
var (
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"20060102",
		"01/02/2006",
	}

	datetimeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
)

// coerce converts a raw value into the field's semantic type. A nil
// result with a nil error is a NULL; nullability is the caller's
// concern. Raw empty strings are NULLs for every type, matching how
// delimited formats represent missing values.
func coerce(v any, ft source.FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v = s
	}

	switch ft {
	case source.TypeInt:
		return coerceInt(v)
	case source.TypeFloat:
		return coerceFloat(v)
	case source.TypeDecimal:
		return coerceDecimal(v)
	case source.TypeString:
		return coerceString(v)
	case source.TypeBool:
		return coerceBool(v)
	case source.TypeDate:
		return coerceDate(v)
	case source.TypeDatetime:
		return coerceDatetime(v)
	case source.TypeJSON:
		return coerceJSON(v)
	default:
		return nil, fmt.Errorf("unknown field type %q", ft)
	}
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("expected int, got %v", x)
		}
		return int64(x), nil
	case json.Number:
		n, err := strconv.ParseInt(string(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected int, got %q", string(x))
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected int, got %q", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected int, got %T", v)
	}
}

func coerceFloat(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected float, got %q", string(x))
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("expected float, got %q", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected float, got %T", v)
	}
}

func coerceDecimal(v any) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case json.Number:
		d, err := decimal.NewFromString(string(x))
		if err != nil {
			return nil, fmt.Errorf("expected decimal, got %q", string(x))
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return nil, fmt.Errorf("expected decimal, got %q", x)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	default:
		return nil, fmt.Errorf("expected decimal, got %T", v)
	}
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.Number:
		return string(x), nil
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(x), nil
	default:
		return nil, fmt.Errorf("expected string, got %T", v)
	}
}

func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case json.Number:
		if x == "0" || x == "1" {
			return x == "1", nil
		}
	case string:
		switch strings.ToLower(x) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
	}
	return nil, fmt.Errorf("expected bool, got %v", v)
}

func coerceDate(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("expected date, got %q", x)
	default:
		return nil, fmt.Errorf("expected date, got %T", v)
	}
}

func coerceDatetime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("expected datetime, got %q", x)
	default:
		return nil, fmt.Errorf("expected datetime, got %T", v)
	}
}

func coerceJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any, []any:
		return x, nil
	case json.Number:
		return string(x), nil
	case string:
		if !json.Valid([]byte(x)) {
			return nil, fmt.Errorf("expected json, got %q", x)
		}
		return x, nil
	case []byte:
		if !json.Valid(x) {
			return nil, fmt.Errorf("expected json, got %d bytes", len(x))
		}
		return string(x), nil
	default:
		return nil, fmt.Errorf("expected json, got %T", v)
	}
}
