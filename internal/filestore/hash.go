package filestore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/blake2b"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Compile-time interface check.
var _ pipeline.Hasher = (*Hasher)(nil)

// Hasher streams an object through BLAKE2b-256 to produce its content
// hash for duplicate detection. Gzipped objects are decompressed
// first, so re-uploading the same content with or without compression
// yields the same hash.
type Hasher struct {
	store Store
}

// NewHasher creates a content hasher over the given store.
func NewHasher(store Store) *Hasher {
	return &Hasher{store: store}
}

// Hash returns the lowercase hex BLAKE2b-256 digest of the object's
// (decompressed) content.
func (h *Hasher) Hash(ctx context.Context, location string, gzipped bool) (string, error) {
	rc, err := h.store.Open(ctx, location)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var r io.Reader = rc

	if gzipped {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return "", fmt.Errorf("decompressing %s: %w", location, err)
		}
		defer gz.Close()

		r = gz
	}

	digest, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("initialising digest: %w", err)
	}

	if _, err := io.Copy(digest, r); err != nil {
		return "", markTransient(fmt.Errorf("hashing %s: %w", location, err))
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
