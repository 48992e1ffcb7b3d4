package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrRegistryUnreadable wraps any failure to read or parse the registry
// file. Unlike optional config files, a broken source registry is fatal:
// sources drive table DDL and publish targets, so nothing may run without
// a valid declaration.
var ErrRegistryUnreadable = errors.New("source registry unreadable")

// registryFile is the YAML document shape of the sources file.
type registryFile struct {
	Sources []*Config `yaml:"sources"`
}

// LoadRegistry reads and validates the YAML source registry at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRegistryUnreadable, path, err)
	}

	return ParseRegistry(data)
}

// ParseRegistry parses a YAML registry document. Unknown keys are
// rejected so that typos in a source declaration fail loudly instead of
// silently dropping a constraint.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile

	if err := strictUnmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistryUnreadable, err)
	}

	return NewRegistry(file.Sources)
}

func strictUnmarshal(data []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}
