package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Compile-time interface checks.
var (
	_ Store          = (*S3Store)(nil)
	_ pipeline.Blobs = (*S3Store)(nil)
)

// copyObjectMaxSize is the server-side CopyObject limit. Larger
// objects are streamed through a multipart upload instead.
const copyObjectMaxSize = 5 * 1024 * 1024 * 1024

// S3Store implements Store on Amazon S3. Locations are s3://bucket/key
// URIs.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Store creates an S3 store using the default AWS credential and
// region chain.
func NewS3Store(ctx context.Context) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// List returns the objects directly under dir. A "/" delimiter keeps
// the listing non-recursive.
func (s *S3Store) List(ctx context.Context, dir string) ([]Object, error) {
	bucket, prefix, err := splitBucket(dir)
	if err != nil {
		return nil, err
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var objects []Object

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, markTransient(fmt.Errorf("listing %s: %w", dir, err))
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue // directory marker
			}

			objects = append(objects, Object{
				Location: "s3://" + bucket + "/" + key,
				Name:     Base(key),
				Size:     aws.ToInt64(obj.Size),
			})
		}
	}

	return objects, nil
}

// Open streams the object at location.
func (s *S3Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := splitBucket(location)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return nil, markTransient(fmt.Errorf("opening %s: %w", location, err))
	}

	return resp.Body, nil
}

// Copy duplicates src to dst. Objects within the CopyObject size limit
// are copied server-side; larger ones are streamed through a multipart
// upload.
func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	srcBucket, srcKey, err := splitBucket(src)
	if err != nil {
		return err
	}

	dstBucket, dstKey, err := splitBucket(dst)
	if err != nil {
		return err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(srcBucket),
		Key:    aws.String(srcKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, src)
		}

		return markTransient(fmt.Errorf("inspecting %s: %w", src, err))
	}

	if aws.ToInt64(head.ContentLength) > copyObjectMaxSize {
		return s.streamCopy(ctx, src, dstBucket, dstKey)
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(srcBucket + "/" + srcKey)),
	})
	if err != nil {
		return markTransient(fmt.Errorf("copying %s to %s: %w", src, dst, err))
	}

	return nil
}

// streamCopy moves bytes through this process when the object exceeds
// the server-side copy limit.
func (s *S3Store) streamCopy(ctx context.Context, src, dstBucket, dstKey string) error {
	body, err := s.Open(ctx, src)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(dstBucket),
		Key:    aws.String(dstKey),
		Body:   body,
	})
	if err != nil {
		return markTransient(fmt.Errorf("uploading %s: %w", dstKey, err))
	}

	return nil
}

// Move copies src to dst and deletes the original.
func (s *S3Store) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}

	return s.Delete(ctx, src)
}

// Delete removes the object at location.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	bucket, key, err := splitBucket(location)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return markTransient(fmt.Errorf("deleting %s: %w", location, err))
	}

	return nil
}
