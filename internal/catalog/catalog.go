// Package catalog caches the portal's application list and the last rank
// query result on behalf of the dashboard.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rsclarke/portalgate/internal/kvstore"
	"github.com/rsclarke/portalgate/internal/metrics"
	"github.com/rsclarke/portalgate/internal/models"
)

// DefaultMaxAge is how long both caches stay valid.
const DefaultMaxAge = 7 * 24 * time.Hour

type Catalog struct {
	store  kvstore.Store
	maxAge time.Duration
	now    func() time.Time
}

func New(store kvstore.Store, maxAge time.Duration) *Catalog {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Catalog{store: store, maxAge: maxAge, now: time.Now}
}

func (c *Catalog) SaveApps(ctx context.Context, apps []models.App) error {
	if apps == nil {
		apps = []models.App{}
	}
	rec := models.AppCatalog{Apps: apps, Timestamp: c.now().UnixMilli()}
	if err := c.store.Set(ctx, map[string]any{kvstore.KeyAppCatalog: rec}); err != nil {
		return fmt.Errorf("save app catalog: %w", err)
	}
	return nil
}

// LoadApps returns the cached catalog. It reports false when nothing is
// cached or the cache is older than the max age.
func (c *Catalog) LoadApps(ctx context.Context) ([]models.App, bool, error) {
	var rec models.AppCatalog
	ok, err := kvstore.Decode(ctx, c.store, kvstore.KeyAppCatalog, &rec)
	if err != nil {
		return nil, false, fmt.Errorf("load app catalog: %w", err)
	}
	if !ok || c.expired(rec.Timestamp) {
		metrics.CacheLookup("apps", false)
		return nil, false, nil
	}
	metrics.CacheLookup("apps", true)
	return rec.Apps, true, nil
}

func (c *Catalog) ClearApps(ctx context.Context) error {
	return c.store.Remove(ctx, kvstore.KeyAppCatalog)
}

// Find returns the first cached app whose appName or title equals name.
func (c *Catalog) Find(ctx context.Context, name string) (models.App, bool, error) {
	apps, ok, err := c.LoadApps(ctx)
	if err != nil || !ok {
		return models.App{}, false, err
	}
	for _, app := range apps {
		if app.AppName == name || app.Title == name {
			return app, true, nil
		}
	}
	return models.App{}, false, nil
}

func (c *Catalog) SaveRank(ctx context.Context, data json.RawMessage) error {
	rec := models.RankRecord{Data: data, Timestamp: c.now().UnixMilli()}
	if err := c.store.Set(ctx, map[string]any{kvstore.KeyRankData: rec}); err != nil {
		return fmt.Errorf("save rank result: %w", err)
	}
	return nil
}

// LoadRank returns the saved rank result if it is within the max age.
func (c *Catalog) LoadRank(ctx context.Context) (json.RawMessage, bool, error) {
	var rec struct {
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	ok, err := kvstore.Decode(ctx, c.store, kvstore.KeyRankData, &rec)
	if err != nil {
		return nil, false, fmt.Errorf("load rank result: %w", err)
	}
	if !ok || c.expired(rec.Timestamp) || len(rec.Data) == 0 {
		metrics.CacheLookup("rank", false)
		return nil, false, nil
	}
	metrics.CacheLookup("rank", true)
	return rec.Data, true, nil
}

func (c *Catalog) expired(ts int64) bool {
	return c.now().Sub(time.UnixMilli(ts)) > c.maxAge
}
