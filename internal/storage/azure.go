// Package storage wraps Azure Blob Storage behind a small gateway used by the
// query pipeline, the model cache and the demo capture path. Paths returned to
// callers are always "{container}/{name}" so records stay portable across
// accounts.
package storage

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/intellioptics/platform/internal/errs"
)

// Gateway is the object-store surface the rest of the system depends on.
type Gateway interface {
	Upload(ctx context.Context, container, name string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, container, name string) ([]byte, error)
	Delete(ctx context.Context, container, name string) (bool, error)
	SignedURL(ctx context.Context, container, name string, ttl time.Duration) (string, error)
}

// AzureGateway talks to one storage account. The credential strategy is fixed
// at construction: a connection string covers uploads, downloads and SAS
// minting.
type AzureGateway struct {
	client *azblob.Client

	mu      sync.Mutex
	created map[string]bool
}

func NewAzureGateway(connectionString string) (*AzureGateway, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &AzureGateway{client: client, created: make(map[string]bool)}, nil
}

// ensureContainer creates the container on first use. Success is remembered
// so the create call is not repeated per upload.
func (g *AzureGateway) ensureContainer(ctx context.Context, container string) error {
	g.mu.Lock()
	done := g.created[container]
	g.mu.Unlock()
	if done {
		return nil
	}

	_, err := g.client.CreateContainer(ctx, container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return err
	}
	g.mu.Lock()
	g.created[container] = true
	g.mu.Unlock()
	return nil
}

func (g *AzureGateway) Upload(ctx context.Context, container, name string, data []byte, contentType string) (string, error) {
	if err := g.ensureContainer(ctx, container); err != nil {
		return "", errs.Wrap(errs.KindStorageFailure, "create container "+container, err)
	}
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := g.client.UploadBuffer(ctx, container, name, data, opts); err != nil {
		return "", errs.Wrap(errs.KindStorageFailure, "upload "+container+"/"+name, err)
	}
	return container + "/" + name, nil
}

func (g *AzureGateway) Download(ctx context.Context, container, name string) ([]byte, error) {
	resp, err := g.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, errs.Wrap(errs.KindNotFound, "blob "+container+"/"+name, err)
		}
		return nil, errs.Wrap(errs.KindStorageFailure, "download "+container+"/"+name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "read "+container+"/"+name, err)
	}
	return data, nil
}

// Delete reports whether the blob existed. Missing blobs and missing
// containers are not errors.
func (g *AzureGateway) Delete(ctx context.Context, container, name string) (bool, error) {
	_, err := g.client.DeleteBlob(ctx, container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindStorageFailure, "delete "+container+"/"+name, err)
	}
	return true, nil
}

func (g *AzureGateway) SignedURL(ctx context.Context, container, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	bc := g.client.ServiceClient().NewContainerClient(container).NewBlobClient(name)
	url, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		return "", errs.Wrap(errs.KindStorageFailure, "sign "+container+"/"+name, err)
	}
	return url, nil
}

// SplitPath breaks a stored "{container}/{name}" path into its parts.
func SplitPath(path string) (container, name string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx <= 0 || idx == len(trimmed)-1 {
		return "", "", errs.Newf(errs.KindBadInput, "malformed blob path %q", path)
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

var sasSigPattern = regexp.MustCompile(`sig=[^&]+`)

// RedactSAS strips the signature from a SAS URL before it reaches logs.
func RedactSAS(url string) string {
	return sasSigPattern.ReplaceAllString(url, "sig=REDACTED")
}
