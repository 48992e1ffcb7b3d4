package reader

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// stream opens an object's byte stream and layers gzip decompression
// on top when the file is compressed.
type stream struct {
	opener   Opener
	location string
	gzipped  bool

	raw io.ReadCloser
	gz  *gzip.Reader
	r   io.Reader
}

// open returns the decoded byte stream, opening the underlying object
// on first call.
func (s *stream) open(ctx context.Context) (io.Reader, error) {
	if s.r != nil {
		return s.r, nil
	}
	raw, err := s.opener.Open(ctx, s.location)
	if err != nil {
		return nil, err
	}
	s.raw = raw
	s.r = raw
	if s.gzipped {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			_ = raw.Close()
			s.raw, s.r = nil, nil
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		s.gz = gz
		s.r = gz
	}
	return s.r, nil
}

// Close releases the gzip layer and the underlying object. Safe to
// call multiple times and before open.
func (s *stream) Close() error {
	var err error
	if s.gz != nil {
		err = s.gz.Close()
		s.gz = nil
	}
	if s.raw != nil {
		if cerr := s.raw.Close(); err == nil {
			err = cerr
		}
		s.raw = nil
	}
	s.r = nil
	return err
}
