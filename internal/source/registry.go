package source

import (
	"errors"
	"fmt"
)

// Registry sentinel errors.
var (
	ErrNoSources       = errors.New("registry declares no sources")
	ErrDuplicateSource = errors.New("duplicate source name")
	ErrUnknownSource   = errors.New("unknown source name")
)

// Registry holds the ordered, validated source list. Match order is the
// declaration order; the first pattern match wins.
type Registry struct {
	sources []*Config
	byName  map[string]*Config
}

// NewRegistry validates every source and builds the registry.
func NewRegistry(sources []*Config) (*Registry, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	registry := &Registry{
		sources: make([]*Config, 0, len(sources)),
		byName:  make(map[string]*Config, len(sources)),
	}

	for _, cfg := range sources {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		if _, exists := registry.byName[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSource, cfg.Name)
		}

		registry.sources = append(registry.sources, cfg)
		registry.byName[cfg.Name] = cfg
	}

	return registry, nil
}

// Match returns the first source whose pattern matches the base filename,
// or nil when no source claims the file.
func (r *Registry) Match(filename string) *Config {
	for _, cfg := range r.sources {
		if cfg.Match(filename) {
			return cfg
		}
	}

	return nil
}

// Get returns a source by name.
func (r *Registry) Get(name string) (*Config, error) {
	cfg, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}

	return cfg, nil
}

// Restrict returns a registry narrowed to a single named source, used by
// the CLI --source flag. Matching behaviour is otherwise unchanged.
func (r *Registry) Restrict(name string) (*Registry, error) {
	cfg, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	return &Registry{
		sources: []*Config{cfg},
		byName:  map[string]*Config{name: cfg},
	}, nil
}

// Names returns the declared source names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.sources))
	for i, cfg := range r.sources {
		names[i] = cfg.Name
	}

	return names
}

// Len returns the number of declared sources.
func (r *Registry) Len() int {
	return len(r.sources)
}
