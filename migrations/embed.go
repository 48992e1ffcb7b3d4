// Package migrations embeds the loader's schema migrations and runs
// them with golang-migrate. Embedding keeps deployment zero-config:
// the binary carries its own schema.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedFiles embed.FS

// ErrNoMigrations is returned when the embedded set is empty.
var ErrNoMigrations = errors.New("no embedded migration files found")

// filenameRegex enforces the naming standard:
// 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Set validates and exposes the embedded migration files: naming,
	// up/down pairing, gapless sequencing and content checksums.
	Set struct {
		fs        fs.FS
		checksums map[string]string
	}

	// fileInfo is one parsed migration filename.
	fileInfo struct {
		Sequence  int
		Name      string
		Direction string
	}
)

// NewSet creates a Set over the given filesystem. Pass nil for the
// embedded migrations.
func NewSet(filesystem fs.FS) *Set {
	if filesystem == nil {
		filesystem = embeddedFiles
	}

	return &Set{fs: filesystem, checksums: make(map[string]string)}
}

// FS returns the migration filesystem for golang-migrate's iofs source.
func (s *Set) FS() fs.FS {
	return s.fs
}

// List returns the migration filenames that conform to the naming
// standard, in lexicographic order. Non-conforming files are ignored.
func (s *Set) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	// Lexicographic order equals sequence order under the naming standard.
	sort.Strings(files)

	return files, nil
}

// Content returns the raw SQL of one migration file.
func (s *Set) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Validate checks the full embedded set: every file readable and well
// named, every up paired with a down, sequences gapless from 001, and
// contents unchanged since the last validation in this process.
func (s *Set) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	if err := s.validatePairing(files); err != nil {
		return err
	}

	if err := s.validateSequence(files); err != nil {
		return err
	}

	for _, file := range files {
		content, err := s.Content(file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", file, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))
		if stored, seen := s.checksums[file]; seen && stored != sum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}

		s.checksums[file] = sum
	}

	return nil
}

// MaxVersion returns the highest migration sequence in the set.
func (s *Set) MaxVersion() int {
	files, err := s.List()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, file := range files {
		if info, err := parseFilename(file); err == nil && info.Sequence > maxSeq {
			maxSeq = info.Sequence
		}
	}

	return maxSeq
}

func parseFilename(filename string) (*fileInfo, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename %s (expected 001_name.up.sql or 001_name.down.sql)",
			filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence in filename %s: %w", filename, err)
	}

	return &fileInfo{Sequence: sequence, Name: matches[2], Direction: matches[3]}, nil
}

// validatePairing ensures every up migration has a matching down.
func (s *Set) validatePairing(files []string) error {
	directions := make(map[string]map[string]bool)

	for _, file := range files {
		info, err := parseFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !dirs["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures sequences start at 001 with no gaps.
func (s *Set) validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, file := range files {
		info, err := parseFilename(file)
		if err != nil {
			return err
		}

		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d",
				sequences[i-1]+1, sequences[i])
		}
	}

	return nil
}
