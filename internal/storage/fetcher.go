package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/intellioptics/platform/internal/errs"
)

// Fetcher retrieves blobs referenced by full URLs in queue payloads. Plain
// HTTP is tried first. When that fails, a SAS URL is used directly and a bare
// URL falls back to the account credentials.
type Fetcher struct {
	Client  *http.Client
	Account Gateway
}

func NewFetcher(account Gateway) *Fetcher {
	return &Fetcher{
		Client:  &http.Client{Timeout: 30 * time.Second},
		Account: account,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, blobURL string) ([]byte, error) {
	data, httpErr := f.fetchHTTP(ctx, blobURL)
	if httpErr == nil {
		return data, nil
	}
	log.Printf("[Fetcher] HTTP fetch failed for %s: %v, trying storage credentials", RedactSAS(blobURL), httpErr)

	if strings.Contains(blobURL, "?") {
		return f.fetchSAS(ctx, blobURL)
	}
	if f.Account != nil {
		container, name, err := SplitBlobURL(blobURL)
		if err != nil {
			return nil, err
		}
		return f.Account.Download(ctx, container, name)
	}
	return nil, errs.Wrap(errs.KindStorageFailure, "fetch "+RedactSAS(blobURL), httpErr)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (f *Fetcher) fetchSAS(ctx context.Context, sasURL string) ([]byte, error) {
	bc, err := blob.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "sas client", err)
	}
	resp, err := bc.DownloadStream(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "sas download "+RedactSAS(sasURL), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageFailure, "sas read", err)
	}
	return data, nil
}

// SplitBlobURL extracts the container and blob name from a full blob URL,
// e.g. https://acct.blob.core.windows.net/images/queries/a/b.jpg.
func SplitBlobURL(rawURL string) (container, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errs.Wrap(errs.KindBadInput, "parse blob url", err)
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.Newf(errs.KindBadInput, "blob url %q has no container/name path", RedactSAS(rawURL))
	}
	return parts[0], parts[1], nil
}
