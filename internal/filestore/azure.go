package filestore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/fileloader-io/fileloader/internal/pipeline"
)

// Compile-time interface checks.
var (
	_ Store          = (*AzureStore)(nil)
	_ pipeline.Blobs = (*AzureStore)(nil)
)

// AzureStore implements Store on Azure Blob Storage. Locations are
// full https://<account>.blob.core.windows.net/<container>/<blob>
// URLs; one client is kept per storage account.
type AzureStore struct {
	cred *azidentity.DefaultAzureCredential

	mu      sync.Mutex
	clients map[string]*azblob.Client
}

// NewAzureStore creates an Azure Blob store using the default
// credential chain (environment, workload identity, managed identity).
func NewAzureStore() (*AzureStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}

	return &AzureStore{
		cred:    cred,
		clients: make(map[string]*azblob.Client),
	}, nil
}

// clientFor returns the cached client for the location's storage
// account, creating it on first use.
func (s *AzureStore) clientFor(serviceURL string) (*azblob.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client, ok := s.clients[serviceURL]; ok {
		return client, nil
	}

	client, err := azblob.NewClient(serviceURL, s.cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure client for %s: %w", serviceURL, err)
	}

	s.clients[serviceURL] = client

	return client, nil
}

// List returns the blobs directly under dir. The hierarchy pager with
// a "/" delimiter keeps the listing non-recursive.
func (s *AzureStore) List(ctx context.Context, dir string) ([]Object, error) {
	serviceURL, cont, prefix, err := splitContainer(dir)
	if err != nil {
		return nil, err
	}

	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	client, err := s.clientFor(serviceURL)
	if err != nil {
		return nil, err
	}

	pager := client.ServiceClient().
		NewContainerClient(cont).
		NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
			Prefix: &prefix,
		})

	var objects []Object

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, markTransient(fmt.Errorf("listing %s: %w", dir, err))
		}

		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}

			size := int64(-1)
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}

			objects = append(objects, Object{
				Location: serviceURL + cont + "/" + *item.Name,
				Name:     Base(*item.Name),
				Size:     size,
			})
		}
	}

	return objects, nil
}

// Open streams the blob at location.
func (s *AzureStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	serviceURL, cont, blob, err := splitContainer(location)
	if err != nil {
		return nil, err
	}

	client, err := s.clientFor(serviceURL)
	if err != nil {
		return nil, err
	}

	resp, err := client.DownloadStream(ctx, cont, blob, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return nil, markTransient(fmt.Errorf("opening %s: %w", location, err))
	}

	return resp.Body, nil
}

// Copy streams src into dst. Blob-to-blob server-side copy is
// asynchronous in the service, so the bytes are relayed through this
// process to keep completion synchronous.
func (s *AzureStore) Copy(ctx context.Context, src, dst string) error {
	serviceURL, cont, blob, err := splitContainer(dst)
	if err != nil {
		return err
	}

	client, err := s.clientFor(serviceURL)
	if err != nil {
		return err
	}

	body, err := s.Open(ctx, src)
	if err != nil {
		return err
	}
	defer body.Close()

	if _, err := client.UploadStream(ctx, cont, blob, body, nil); err != nil {
		return markTransient(fmt.Errorf("copying %s to %s: %w", src, dst, err))
	}

	return nil
}

// Move copies src to dst and deletes the original.
func (s *AzureStore) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}

	return s.Delete(ctx, src)
}

// Delete removes the blob at location.
func (s *AzureStore) Delete(ctx context.Context, location string) error {
	serviceURL, cont, blob, err := splitContainer(location)
	if err != nil {
		return err
	}

	client, err := s.clientFor(serviceURL)
	if err != nil {
		return err
	}

	if _, err := client.DeleteBlob(ctx, cont, blob, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, location)
		}

		return markTransient(fmt.Errorf("deleting %s: %w", location, err))
	}

	return nil
}
