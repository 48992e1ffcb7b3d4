package source

import (
	"errors"
	"testing"
)

func testConfigs() []*Config {
	return []*Config{
		{
			Name:        "customers_eu",
			FilePattern: "customers_eu_*.csv",
			FileType:    FileTypeCSV,
			Table:       "public.customers",
			Schema:      []Field{{Name: "id", Type: TypeInt}},
			Grain:       []string{"id"},
		},
		{
			Name:        "customers",
			FilePattern: "customers_*.csv",
			FileType:    FileTypeCSV,
			Table:       "public.customers",
			Schema:      []Field{{Name: "id", Type: TypeInt}},
			Grain:       []string{"id"},
		},
		{
			Name:        "orders",
			FilePattern: "orders_*.json",
			FileType:    FileTypeJSON,
			Table:       "public.orders",
			Schema:      []Field{{Name: "order_id", Type: TypeInt}},
			Grain:       []string{"order_id"},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}

	if reg.Len() != 3 {
		t.Errorf("Len() = %d, want 3", reg.Len())
	}
}

func TestNewRegistryRejectsEmpty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewRegistry(nil)
	if !errors.Is(err, ErrNoSources) {
		t.Errorf("NewRegistry(nil) = %v, want %v", err, ErrNoSources)
	}
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	configs := testConfigs()
	configs[2].Name = "customers"

	_, err := NewRegistry(configs)
	if !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("NewRegistry() = %v, want %v", err, ErrDuplicateSource)
	}
}

func TestNewRegistryRejectsInvalidSource(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	configs := testConfigs()
	configs[1].Grain = nil

	_, err := NewRegistry(configs)
	if !errors.Is(err, ErrEmptyGrain) {
		t.Errorf("NewRegistry() = %v, want %v", err, ErrEmptyGrain)
	}
}

// First match wins in declaration order, so the more specific
// customers_eu pattern must be declared before customers.
func TestRegistryMatchFirstWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}

	tests := []struct {
		filename string
		want     string // matched source name, "" for no match
	}{
		{"customers_eu_2024.csv", "customers_eu"},
		{"customers_2024.csv", "customers"},
		{"customers_2024.csv.gz", "customers"},
		{"orders_2024.json", "orders"},
		{"unknown_2024.csv", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got := reg.Match(tt.filename)
			if tt.want == "" {
				if got != nil {
					t.Errorf("Match(%q) = %q, want no match", tt.filename, got.Name)
				}

				return
			}

			if got == nil {
				t.Fatalf("Match(%q) = nil, want %q", tt.filename, tt.want)
			}

			if got.Name != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.filename, got.Name, tt.want)
			}
		})
	}
}

func TestRegistryGet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}

	if _, err := reg.Get("orders"); err != nil {
		t.Errorf("Get(orders) = %v, want nil", err)
	}

	if _, err := reg.Get("missing"); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("Get(missing) = %v, want %v", err, ErrUnknownSource)
	}
}

func TestRegistryRestrict(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}

	restricted, err := reg.Restrict("orders")
	if err != nil {
		t.Fatalf("Restrict(orders) = %v", err)
	}

	if restricted.Len() != 1 {
		t.Errorf("restricted Len() = %d, want 1", restricted.Len())
	}

	if got := restricted.Match("customers_2024.csv"); got != nil {
		t.Errorf("restricted Match(customers) = %q, want no match", got.Name)
	}

	if got := restricted.Match("orders_2024.json"); got == nil {
		t.Error("restricted Match(orders) = nil, want match")
	}

	if _, err := reg.Restrict("missing"); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("Restrict(missing) = %v, want %v", err, ErrUnknownSource)
	}
}
