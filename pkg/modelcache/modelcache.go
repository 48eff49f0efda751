// Package modelcache keeps the list of models the relay advertises. It is
// refreshed after credential or express-key changes.
package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Catalog is the advertised model set.
type Catalog struct {
	Vertex  []string `json:"vertex_models"`
	Express []string `json:"vertex_express_models"`
}

// Count is the number of distinct models in c.
func (c Catalog) Count() int {
	seen := make(map[string]struct{}, len(c.Vertex)+len(c.Express))
	for _, m := range c.Vertex {
		seen[m] = struct{}{}
	}
	for _, m := range c.Express {
		seen[m] = struct{}{}
	}
	return len(seen)
}

// Source fetches a fresh catalog.
type Source func(ctx context.Context) (Catalog, error)

// DefaultCatalog is served until a refresh succeeds.
var DefaultCatalog = Catalog{
	Vertex:  []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"},
	Express: []string{"gemini-2.5-flash", "gemini-2.0-flash"},
}

// StaticSource always returns c.
func StaticSource(c Catalog) Source {
	return func(context.Context) (Catalog, error) { return c, nil }
}

// HTTPSource fetches a JSON catalog from url.
func HTTPSource(url string, client *http.Client) Source {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (Catalog, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Catalog{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return Catalog{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return Catalog{}, fmt.Errorf("model catalog %s: HTTP %d", url, resp.StatusCode)
		}
		var c Catalog
		if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
			return Catalog{}, fmt.Errorf("decoding model catalog: %w", err)
		}
		return c, nil
	}
}

// Cache holds the last successfully fetched catalog.
type Cache struct {
	source Source
	log    *zap.Logger

	mu          sync.RWMutex
	catalog     Catalog
	lastRefresh time.Time

	refreshes atomic.Int64
	failures  atomic.Int64
}

// New returns a cache seeded with DefaultCatalog. A nil source keeps the
// default forever.
func New(source Source, log *zap.Logger) *Cache {
	if source == nil {
		source = StaticSource(DefaultCatalog)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{source: source, log: log.Named("modelcache"), catalog: DefaultCatalog}
}

// Refresh replaces the catalog. On failure the previous catalog is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	cat, err := c.source(ctx)
	if err != nil {
		c.failures.Add(1)
		c.log.Warn("model catalog refresh failed, keeping cached catalog", zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.catalog = cat
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	c.refreshes.Add(1)
	c.log.Info("model catalog refreshed", zap.Int("models", cat.Count()))
	return nil
}

// Catalog returns the current catalog.
func (c *Cache) Catalog() Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog
}

// LastRefresh is the time of the last successful refresh.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Refreshes counts successful refreshes.
func (c *Cache) Refreshes() int64 { return c.refreshes.Load() }

// Failures counts failed refreshes.
func (c *Cache) Failures() int64 { return c.failures.Load() }
