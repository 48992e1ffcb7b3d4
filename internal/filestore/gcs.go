package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Compile-time interface checks.
var (
	_ Store          = (*GCSStore)(nil)
	_ pipeline.Blobs = (*GCSStore)(nil)
)

// GCSStore implements Store on Google Cloud Storage. Locations are
// gs://bucket/object URIs.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a GCS store using application default credentials.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}

	return &GCSStore{client: client}, nil
}

// List returns the objects directly under dir. A "/" delimiter keeps
// the listing non-recursive.
func (s *GCSStore) List(ctx context.Context, dir string) ([]Object, error) {
	bucket, prefix, err := splitBucket(dir)
	if err != nil {
		return nil, err
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var objects []Object

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return nil, markTransient(fmt.Errorf("listing %s: %w", dir, err))
		}

		// Synthetic prefix entries have an empty Name.
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			continue
		}

		objects = append(objects, Object{
			Location: "gs://" + bucket + "/" + attrs.Name,
			Name:     Base(attrs.Name),
			Size:     attrs.Size,
		})
	}

	return objects, nil
}

// Open streams the object at location.
func (s *GCSStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := splitBucket(location)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return nil, markTransient(fmt.Errorf("opening %s: %w", location, err))
	}

	return r, nil
}

// Copy duplicates src to dst server-side.
func (s *GCSStore) Copy(ctx context.Context, src, dst string) error {
	srcBucket, srcKey, err := splitBucket(src)
	if err != nil {
		return err
	}

	dstBucket, dstKey, err := splitBucket(dst)
	if err != nil {
		return err
	}

	source := s.client.Bucket(srcBucket).Object(srcKey)
	target := s.client.Bucket(dstBucket).Object(dstKey)

	if _, err := target.CopierFrom(source).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}

		return markTransient(fmt.Errorf("copying %s to %s: %w", src, dst, err))
	}

	return nil
}

// Move copies src to dst and deletes the original.
func (s *GCSStore) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}

	return s.Delete(ctx, src)
}

// Delete removes the object at location.
func (s *GCSStore) Delete(ctx context.Context, location string) error {
	bucket, key, err := splitBucket(location)
	if err != nil {
		return err
	}

	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return markTransient(fmt.Errorf("deleting %s: %w", location, err))
	}

	return nil
}
