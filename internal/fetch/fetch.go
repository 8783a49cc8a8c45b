// Package fetch is the one place remote transfers happen. Transient
// failures retry inside the transport via go-retryablehttp; the pipeline
// above never re-runs a stage.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/fault"
)

type Client struct {
	http *rh.Client
}

func New(logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := rh.NewClient()
	client.Logger = newLeveledLogger(logger)
	return &Client{http: client}
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := rh.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Errorf(fault.NetworkFailure, "building request for %s: %w", url, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Errorf(fault.NetworkFailure, "fetching %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fault.Errorf(fault.NetworkFailure, "fetching %s: unexpected status %s", url, resp.Status)
	}
	return resp, nil
}

// Get fetches a small document, a directory listing or a key blob, fully
// into memory.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Errorf(fault.NetworkFailure, "reading %s: %w", url, err)
	}
	return body, nil
}

// Download streams url into dest. The transfer goes to dest + ".partial"
// first and is renamed into place only once the body is fully written, so a
// file sitting at dest always means a completed transfer.
func (c *Client) Download(ctx context.Context, url, dest string) error {
	resp, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	partial := dest + ".partial"
	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fault.Errorf(fault.DependencyMissing, "creating %s: %w", partial, err)
	}

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(partial)
		return fault.Errorf(fault.NetworkFailure, "downloading %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return fault.Errorf(fault.NetworkFailure, "finishing %s: %w", partial, err)
	}

	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return fault.Errorf(fault.DependencyMissing, "moving download into place: %w", err)
	}

	logrus.Debugf("downloaded %s (%s)", url, formatSize(written))
	return nil
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
