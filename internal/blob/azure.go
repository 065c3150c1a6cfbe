package blob

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore stores objects as blobs in a single Azure Blob Storage
// container, authenticating with the ambient workload/managed identity
// via azidentity rather than an account key.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore builds a client against accountURL (e.g.
// "https://<account>.blob.core.windows.net") using DefaultAzureCredential,
// which resolves managed identity, environment, and CLI credentials in
// that order.
func NewAzureStore(accountURL, container string) (*AzureStore, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("blob: azure credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: azure client: %w", err)
	}
	return &AzureStore{client: client, container: container}, nil
}

// Put uploads r as the blob named key, overwriting any existing blob.
func (s *AzureStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.UploadStream(ctx, s.container, key, r, &azblob.UploadStreamOptions{})
	if err != nil {
		return fmt.Errorf("blob: azure upload %s: %w", key, err)
	}
	return nil
}

// Get streams the blob named key.
func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, &azblob.DownloadStreamOptions{})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: azure download %s: %w", key, err)
	}
	return resp.Body, nil
}

// Delete removes the blob named key, treating a missing blob as success.
func (s *AzureStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, key, &azblob.DeleteBlobOptions{})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("blob: azure delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the blob named key is present, via a metadata-only
// GetProperties call rather than a full download.
func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	client := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
	_, err := client.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("blob: azure stat %s: %w", key, err)
}
