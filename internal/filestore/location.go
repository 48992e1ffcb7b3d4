package filestore

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Join appends a base filename to a directory location, respecting the
// location's scheme.
//
// Example:
//
//	Join("s3://lake/drop", "customers.csv")   // "s3://lake/drop/customers.csv"
//	Join("/data/drop/", "customers.csv")      // "/data/drop/customers.csv"
func Join(dir, name string) string {
	if strings.Contains(dir, "://") {
		return strings.TrimRight(dir, "/") + "/" + name
	}

	return filepath.Join(dir, name)
}

// Base returns the final path element of a location.
func Base(location string) string {
	return path.Base(strings.TrimRight(location, "/"))
}

// localPath strips an optional file:// scheme, leaving a plain
// filesystem path.
func localPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

// splitBucket splits an s3:// or gs:// location into bucket and key.
func splitBucket(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrUnsupportedLocation, location, err)
	}

	if u.Host == "" {
		return "", "", fmt.Errorf("%w: %q: missing bucket", ErrUnsupportedLocation, location)
	}

	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// splitContainer splits an Azure blob URL into the service URL,
// container and blob path.
//
// Example:
//
//	splitContainer("https://acct.blob.core.windows.net/landing/drop/a.csv")
//	// "https://acct.blob.core.windows.net/", "landing", "drop/a.csv"
func splitContainer(location string) (serviceURL, container, blob string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %q: %w", ErrUnsupportedLocation, location, err)
	}

	if !strings.HasSuffix(u.Host, ".blob.core.windows.net") {
		return "", "", "", fmt.Errorf("%w: %q: not a blob storage URL", ErrUnsupportedLocation, location)
	}

	trimmed := strings.TrimPrefix(u.Path, "/")

	container, blob, found := strings.Cut(trimmed, "/")
	if !found || container == "" {
		return "", "", "", fmt.Errorf("%w: %q: missing container", ErrUnsupportedLocation, location)
	}

	return u.Scheme + "://" + u.Host + "/", container, blob, nil
}
