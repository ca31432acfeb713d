// Package transport provides the agent's outbound HTTP client, used to
// fetch detached manifests and root-key packages from the URLs a twin
// payload names.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDownloader implements pkg/ingest.Downloader against a real HTTP
// client.
type HTTPDownloader struct {
	Client *http.Client
}

// NewHTTPDownloader builds a downloader with a sane default timeout;
// downloads of large payloads should rely on ctx cancellation rather than
// raising this further.
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{Timeout: 60 * time.Second}}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("transport: %s returned status %d: %s", url, resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read body for %s: %w", url, err)
	}
	return data, nil
}
