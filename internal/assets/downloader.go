package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/storyguard/internal/storage"
)

// Downloader fetches a remote resource to a local path.
type Downloader interface {
	// Download writes the resource at url to dest. A dest that already
	// exists counts as success.
	Download(ctx context.Context, url, dest string) error
	// Exists reports whether a local file is present at path.
	Exists(path string) bool
}

// HTTPDownloader downloads over HTTP(S). Files become visible at dest only
// once fully written.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates a downloader with the given per-request timeout.
func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	return &HTTPDownloader{client: &http.Client{Timeout: timeout}}
}

// Exists implements Downloader.
func (d *HTTPDownloader) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, url, dest string) error {
	if d.Exists(dest) {
		return nil
	}

	if err := storage.EnsureParentDir(dest); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Another warm pass may have finished the same file first
	if d.Exists(dest) {
		return nil
	}

	if err := os.Rename(tmpName, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	committed = true

	return nil
}
