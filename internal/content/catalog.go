// Package content reads the story listing that asset preloading works from.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/goodtune/storyguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Page is one illustrated page of a story.
type Page struct {
	ImageURL string `json:"image_url"`
	Text     string `json:"text,omitempty"`
}

// Narration is a recorded audio track for a story.
type Narration struct {
	URL      string `json:"url"`
	Language string `json:"language,omitempty"`
}

// Story is a content record as served by the backend listing.
type Story struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Pages     []Page      `json:"pages"`
	Narration []Narration `json:"narration"`
}

// AssetURLs returns every remote asset the story references, page images
// first, then narration. Empty URLs are omitted.
func (s Story) AssetURLs() []string {
	urls := make([]string, 0, len(s.Pages)+len(s.Narration))
	for _, p := range s.Pages {
		if p.ImageURL != "" {
			urls = append(urls, p.ImageURL)
		}
	}
	for _, n := range s.Narration {
		if n.URL != "" {
			urls = append(urls, n.URL)
		}
	}
	return urls
}

// Catalog lists the stories available to the reader.
type Catalog interface {
	ListStories(ctx context.Context) ([]Story, error)
}

// HTTPCatalog fetches the listing from the content backend.
type HTTPCatalog struct {
	url    string
	token  string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPCatalog creates a catalog reading the JSON array served at url.
// A non-empty token is sent as a bearer credential.
func NewHTTPCatalog(url, token string, timeout time.Duration, logger zerolog.Logger) *HTTPCatalog {
	return &HTTPCatalog{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// ListStories implements Catalog.
func (c *HTTPCatalog) ListStories(ctx context.Context) ([]Story, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build listing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues("http", "error").Inc()
		return nil, fmt.Errorf("failed to fetch story listing: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.CatalogFetches.WithLabelValues("http", "error").Inc()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("story listing returned HTTP %d", resp.StatusCode)
	}

	stories, err := decode(resp.Body)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues("http", "error").Inc()
		return nil, err
	}

	metrics.CatalogFetches.WithLabelValues("http", "ok").Inc()
	c.logger.Debug().Int("stories", len(stories)).Str("url", c.url).Msg("Fetched story listing")

	return stories, nil
}

// FileCatalog reads the listing from a local JSON file, as shipped in
// offline bundles.
type FileCatalog struct {
	path string
}

// NewFileCatalog creates a catalog backed by path.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

// ListStories implements Catalog.
func (c *FileCatalog) ListStories(context.Context) ([]Story, error) {
	f, err := os.Open(c.path)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("failed to open story listing: %w", err)
	}
	defer func() { _ = f.Close() }()

	stories, err := decode(f)
	if err != nil {
		metrics.CatalogFetches.WithLabelValues("file", "error").Inc()
		return nil, err
	}

	metrics.CatalogFetches.WithLabelValues("file", "ok").Inc()
	return stories, nil
}

func decode(r io.Reader) ([]Story, error) {
	var stories []Story
	if err := json.NewDecoder(r).Decode(&stories); err != nil {
		return nil, fmt.Errorf("failed to decode story listing: %w", err)
	}
	return stories, nil
}
