package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached is a read-through cache in front of another Store. Absent keys are
// cached too, as nil entries. Writes go to the backing store first and then
// drop the affected entries.
type Cached struct {
	next  Store
	cache *expirable.LRU[string, json.RawMessage]

	// fill holds readers that populate the cache; writers take it exclusively
	// so a slow read cannot re-insert a value a write just replaced.
	fill sync.RWMutex
}

func NewCached(next Store, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
	}
}

func (c *Cached) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := c.cache.Get(k)
		switch {
		case !ok:
			missing = append(missing, k)
		case v != nil:
			out[k] = v
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	c.fill.RLock()
	defer c.fill.RUnlock()

	vals, err := c.next.Get(ctx, missing...)
	if err != nil {
		return nil, err
	}
	for _, k := range missing {
		v := vals[k]
		c.cache.Add(k, v)
		if v != nil {
			out[k] = v
		}
	}
	return out, nil
}

func (c *Cached) Set(ctx context.Context, values map[string]any) error {
	c.fill.Lock()
	defer c.fill.Unlock()

	err := c.next.Set(ctx, values)
	for k := range values {
		c.cache.Remove(k)
	}
	return err
}

func (c *Cached) Remove(ctx context.Context, keys ...string) error {
	c.fill.Lock()
	defer c.fill.Unlock()

	err := c.next.Remove(ctx, keys...)
	for _, k := range keys {
		c.cache.Remove(k)
	}
	return err
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.cache.Purge()
}
