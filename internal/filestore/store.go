// Package filestore abstracts the directories files move through:
// drop, archive and duplicates. One implementation exists per
// platform (local filesystem, S3, GCS, Azure Blob), all addressed via
// location URIs so the pipeline never knows which platform it runs on.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fileloader-io/fileloader/internal/config"
	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Static errors for store operations (errors.Is friendly).
var (
	// ErrUnknownPlatform indicates an unrecognised platform name.
	ErrUnknownPlatform = errors.New("unknown storage platform")

	// ErrUnsupportedLocation indicates a location URI whose scheme the
	// store cannot address.
	ErrUnsupportedLocation = errors.New("unsupported storage location")

	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("object not found")
)

type (
	// Store is the full object-store surface: listing for discovery
	// plus the streaming and relocation operations the pipeline needs.
	Store interface {
		// List returns the objects directly under dir, non-recursive.
		// Subdirectories and their contents are not returned.
		List(ctx context.Context, dir string) ([]Object, error)

		// Open returns the raw byte stream of the object at location.
		Open(ctx context.Context, location string) (io.ReadCloser, error)

		// Copy duplicates the object at src to dst, leaving src in place.
		Copy(ctx context.Context, src, dst string) error

		// Move relocates the object at src to dst.
		Move(ctx context.Context, src, dst string) error

		// Delete removes the object at location.
		Delete(ctx context.Context, location string) error
	}

	// Object is one listed file.
	Object struct {
		// Location is the full URI of the object.
		Location string

		// Name is the base filename.
		Name string

		// Size is the object size in bytes, -1 when unknown.
		Size int64
	}
)

// New returns the Store for the configured platform.
//
// Credentials come from each SDK's default chain: AWS shared config,
// Google application default credentials, Azure environment or managed
// identity. The local store needs none.
func New(ctx context.Context, platform string) (Store, error) {
	switch platform {
	case config.PlatformLocal:
		return NewLocalStore(), nil
	case config.PlatformAWS:
		return NewS3Store(ctx)
	case config.PlatformGCP:
		return NewGCSStore(ctx)
	case config.PlatformAzure:
		return NewAzureStore()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
}

// markTransient tags retryable remote-store errors so the pipeline's
// retry policy picks them up. Cancellation and missing objects pass
// through untouched.
func markTransient(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotFound) {
		return err
	}

	return fmt.Errorf("%w: %w", pipeline.ErrTransient, err)
}
