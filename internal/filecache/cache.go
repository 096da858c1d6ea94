// Package filecache mirrors generated media into blob storage and serves
// stable URLs for it. Upstream result URLs expire quickly; the cache copy is
// what clients can keep.
package filecache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/stamns/flow2api/internal/models"
	"github.com/stamns/flow2api/internal/settings"
	"github.com/stamns/flow2api/internal/storage/blob"
)

// Key derives the storage key for an upstream media URL. The same URL always
// maps to the same key, so re-mirroring is a cheap existence check.
func Key(rawURL string, media models.MediaType) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:]) + media.Extension()
}

// Cache downloads upstream media into the blob store.
type Cache struct {
	store    blob.Store
	settings *settings.Manager
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func New(store blob.Store, mgr *settings.Manager, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		settings: mgr,
		logger:   logger,
		clients:  make(map[string]*http.Client),
	}
}

// Enabled reports whether mirroring is currently switched on.
func (c *Cache) Enabled() bool {
	return c.settings.Current().CacheEnabled
}

// Mirror stores every upstream URL and returns the servable URLs in the same
// order. The first failure aborts: the caller falls back to the upstream
// URLs as a set rather than mixing cached and uncached entries.
func (c *Cache) Mirror(ctx context.Context, urls []string, media models.MediaType) ([]string, error) {
	out := make([]string, 0, len(urls))
	for _, rawURL := range urls {
		cached, err := c.mirrorOne(ctx, rawURL, media)
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", Key(rawURL, media), err)
		}
		out = append(out, cached)
	}
	return out, nil
}

func (c *Cache) mirrorOne(ctx context.Context, rawURL string, media models.MediaType) (string, error) {
	key := Key(rawURL, media)

	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return c.publicURL(key), nil
	}

	snap := c.settings.Current()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient(snap.EffectiveProxyURL()).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	if _, err := c.store.Put(ctx, key, resp.Body, blob.PutOptions{ContentType: media.ContentType()}); err != nil {
		return "", err
	}

	c.logger.Debug("media cached", slog.String("key", key), slog.String("media", string(media)))
	return c.publicURL(key), nil
}

// Open returns a stored object for serving through the /files route.
func (c *Cache) Open(ctx context.Context, key string) (io.ReadCloser, blob.ObjectInfo, error) {
	return c.store.Get(ctx, key)
}

// Purge deletes objects older than the configured TTL and reports how many
// went. A TTL of zero disables expiry.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	ttl := c.settings.Current().CacheTTL
	if ttl <= 0 {
		return 0, nil
	}

	objects, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	purged := 0
	for _, obj := range objects {
		if obj.ModTime.IsZero() || obj.ModTime.After(cutoff) {
			continue
		}
		if err := c.store.Delete(ctx, obj.Key); err != nil {
			c.logger.Warn("purge delete failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}
		purged++
	}
	return purged, nil
}

// PurgeAll removes every cached object regardless of age.
func (c *Cache) PurgeAll(ctx context.Context) (int, error) {
	objects, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, obj := range objects {
		if err := c.store.Delete(ctx, obj.Key); err != nil {
			c.logger.Warn("purge delete failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}
		purged++
	}
	return purged, nil
}

// Sweep runs Purge on the given interval until the context ends.
func (c *Cache) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := c.Purge(ctx)
			if err != nil {
				c.logger.Warn("cache sweep failed", slog.String("error", err.Error()))
				continue
			}
			if purged > 0 {
				c.logger.Info("cache sweep", slog.Int("purged", purged))
			}
		}
	}
}

func (c *Cache) publicURL(key string) string {
	if u, ok := c.store.PublicURL(key); ok {
		return u
	}
	base := strings.TrimRight(c.settings.Current().CacheBaseURL, "/")
	return base + "/files/" + key
}

func (c *Cache) httpClient(proxyURL string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxyURL]; ok {
		return client
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			c.logger.Warn("invalid proxy url, downloading directly", slog.String("error", err.Error()))
		}
	}
	client := &http.Client{Transport: transport, Timeout: 5 * time.Minute}
	c.clients[proxyURL] = client
	return client
}
