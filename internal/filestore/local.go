package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Compile-time interface checks.
var (
	_ Store          = (*LocalStore)(nil)
	_ pipeline.Blobs = (*LocalStore)(nil)
)

// LocalStore implements Store on the local filesystem. Locations are
// plain paths or file:// URIs.
type LocalStore struct{}

// NewLocalStore creates a local filesystem store.
func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

// List returns the regular files directly under dir.
func (s *LocalStore) List(ctx context.Context, dir string) ([]Object, error) {
	root := localPath(dir)

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	objects := make([]Object, 0, len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if entry.IsDir() {
			continue
		}

		size := int64(-1)
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}

		objects = append(objects, Object{
			Location: filepath.Join(root, entry.Name()),
			Name:     entry.Name(),
			Size:     size,
		})
	}

	return objects, nil
}

// Open opens the file at location for reading.
func (s *LocalStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(localPath(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return nil, fmt.Errorf("opening %s: %w", location, err)
	}

	return f, nil
}

// Copy duplicates src to dst, creating dst's directory if needed.
func (s *LocalStore) Copy(ctx context.Context, src, dst string) error {
	in, err := s.Open(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()

	target := localPath(dst)

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(target)

		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}

	return nil
}

// Move renames src to dst, falling back to copy and delete when the
// rename crosses filesystems.
func (s *LocalStore) Move(ctx context.Context, src, dst string) error {
	target := localPath(dst)

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}

	err := os.Rename(localPath(src), target)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}

	// Cross-device rename: stream the bytes over, then remove the source.
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}

	return s.Delete(ctx, src)
}

// Delete removes the file at location.
func (s *LocalStore) Delete(_ context.Context, location string) error {
	if err := os.Remove(localPath(location)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return fmt.Errorf("deleting %s: %w", location, err)
	}

	return nil
}
