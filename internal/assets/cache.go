// Package assets mirrors remote story images and audio into a local
// directory and maps remote URLs to the local copies.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/storyguard/internal/content"
	"github.com/goodtune/storyguard/internal/metrics"
	"github.com/goodtune/storyguard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxExtLen bounds the extension carried over from the URL path.
const maxExtLen = 8

// Config holds asset cache configuration
type Config struct {
	Dir         string
	Concurrency int
}

// Report summarizes a warm pass.
type Report struct {
	Requested  int // URLs passed in, including empty and duplicate ones
	Skipped    int // empty URLs
	Cached     int // already mapped, nothing to do
	Registered int // file was already on disk
	Downloaded int
	Failed     int
}

// Cache is the URL to local path mirror
type Cache struct {
	dir         string
	concurrency int
	kv          storage.KVStore
	downloader  Downloader
	catalog     content.Catalog
	logger      zerolog.Logger

	mu      sync.RWMutex
	entries map[string]string

	persistMu sync.Mutex
	flight    singleflight.Group
}

// NewCache creates an empty cache. catalog may be nil when
// PreloadAllContent is not needed.
func NewCache(cfg Config, kv storage.KVStore, downloader Downloader, catalog content.Catalog, logger zerolog.Logger) *Cache {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Cache{
		dir:         cfg.Dir,
		concurrency: cfg.Concurrency,
		kv:          kv,
		downloader:  downloader,
		catalog:     catalog,
		logger:      logger.With().Str("component", "asset-cache").Logger(),
		entries:     make(map[string]string),
	}
}

// Load replaces the in-memory map with the persisted one. A missing map is
// not an error.
func (c *Cache) Load(ctx context.Context) error {
	raw, err := c.kv.Get(ctx, storage.GlobalKey(storage.PurposeAssetCacheMap))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("read").Inc()
		return fmt.Errorf("failed to read asset map: %w", err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("failed to decode asset map: %w", err)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	metrics.CachedAssets.Set(float64(len(entries)))
	c.logger.Info().Int("entries", len(entries)).Msg("Loaded asset map")

	return nil
}

// Resolve returns the local path mapped to remoteURL, or remoteURL itself
// when there is none. It never touches the network.
func (c *Cache) Resolve(remoteURL string) string {
	if p, ok := c.Lookup(remoteURL); ok {
		metrics.AssetResolveHits.Inc()
		return p
	}
	metrics.AssetResolveMisses.Inc()
	return remoteURL
}

// Lookup returns the mapped local path for remoteURL.
func (c *Cache) Lookup(remoteURL string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.entries[remoteURL]
	return p, ok
}

// Len returns the number of mapped URLs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LocalPath returns the deterministic mirror location for remoteURL: the
// hex SHA-256 of the URL plus the extension of its path.
func (c *Cache) LocalPath(remoteURL string) string {
	sum := sha256.Sum256([]byte(remoteURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+extension(remoteURL))
}

// WarmCache makes sure every non-empty URL has a local copy and a mapping.
// Failures are logged per URL and never stop the pass. Each distinct URL is
// processed once, also across concurrent passes.
func (c *Cache) WarmCache(ctx context.Context, urls []string) Report {
	report := Report{Requested: len(urls)}

	var (
		cached, registered, downloaded, failed atomic.Int64
		seen                                   = make(map[string]struct{}, len(urls))
		g                                      errgroup.Group
	)
	g.SetLimit(c.concurrency)

	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			report.Skipped++
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}

		g.Go(func() error {
			if ctx.Err() != nil {
				failed.Add(1)
				return nil
			}

			outcome, err := c.warmOne(ctx, u)
			if err != nil {
				failed.Add(1)
				c.logger.Warn().Err(err).Str("url", u).Msg("Failed to cache asset")
				return nil
			}

			switch outcome {
			case outcomeCached:
				cached.Add(1)
			case outcomeRegistered:
				registered.Add(1)
			case outcomeDownloaded:
				downloaded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Cached = int(cached.Load())
	report.Registered = int(registered.Load())
	report.Downloaded = int(downloaded.Load())
	report.Failed = int(failed.Load())

	c.logger.Info().
		Int("requested", report.Requested).
		Int("downloaded", report.Downloaded).
		Int("registered", report.Registered).
		Int("cached", report.Cached).
		Int("failed", report.Failed).
		Msg("Asset warm pass complete")

	return report
}

// PreloadAllContent warms every asset referenced by the content catalog.
func (c *Cache) PreloadAllContent(ctx context.Context) (Report, error) {
	if c.catalog == nil {
		return Report{}, fmt.Errorf("no content catalog configured")
	}

	stories, err := c.catalog.ListStories(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list stories: %w", err)
	}

	var urls []string
	for _, s := range stories {
		urls = append(urls, s.AssetURLs()...)
	}

	c.logger.Info().Int("stories", len(stories)).Int("assets", len(urls)).Msg("Preloading content assets")

	return c.WarmCache(ctx, urls), nil
}

type outcome int

const (
	outcomeCached outcome = iota
	outcomeRegistered
	outcomeDownloaded
)

func (c *Cache) warmOne(ctx context.Context, remoteURL string) (outcome, error) {
	v, err, _ := c.flight.Do(remoteURL, func() (interface{}, error) {
		if p, ok := c.Lookup(remoteURL); ok && c.downloader.Exists(p) {
			return outcomeCached, nil
		}

		dest := c.LocalPath(remoteURL)
		if c.downloader.Exists(dest) {
			metrics.AssetDownloads.WithLabelValues("present").Inc()
			c.register(ctx, remoteURL, dest)
			return outcomeRegistered, nil
		}

		start := time.Now()
		err := c.downloader.Download(ctx, remoteURL, dest)
		metrics.AssetDownloadDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.AssetDownloads.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.AssetDownloads.WithLabelValues("ok").Inc()

		c.logger.Debug().Str("url", remoteURL).Str("path", dest).Dur("duration", time.Since(start)).Msg("Downloaded asset")

		c.register(ctx, remoteURL, dest)
		return outcomeDownloaded, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(outcome), nil
}

// register records the mapping and persists the whole map.
func (c *Cache) register(ctx context.Context, remoteURL, localPath string) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	c.entries[remoteURL] = localPath
	raw, err := json.Marshal(c.entries)
	n := len(c.entries)
	c.mu.Unlock()

	metrics.CachedAssets.Set(float64(n))

	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode asset map")
		return
	}
	if err := c.kv.Set(ctx, storage.GlobalKey(storage.PurposeAssetCacheMap), string(raw)); err != nil {
		metrics.StorageErrors.WithLabelValues("write").Inc()
		c.logger.Warn().Err(err).Str("url", remoteURL).Msg("Failed to persist asset map")
	}
}

func extension(remoteURL string) string {
	p := remoteURL
	if u, err := url.Parse(remoteURL); err == nil {
		p = u.Path
	}

	ext := path.Ext(p)
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
