package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// TTLs of the cached actions. Nothing else is cached.
const (
	AlertsTTL  = 30 * time.Minute
	InsightTTL = 60 * time.Minute
)

type cacheEntry struct {
	Value  []byte
	Expiry time.Time
}

// Cache is a best-effort TTL cache over a Storage. Storage failures are
// logged and otherwise behave like a miss.
type Cache struct {
	store Storage
	log   *slog.Logger
	now   func() time.Time
}

func NewCache(store Storage, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: store, log: log, now: time.Now}
}

// Get returns the value stored under key if it has not expired. An expired
// entry is deleted.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	var ent cacheEntry
	if err := decodeGob(b, &ent); err != nil {
		c.log.Warn("cache entry corrupt", "key", key, "err", err)
		c.delete(ctx, key)
		return nil, false
	}
	if c.now().After(ent.Expiry) {
		c.delete(ctx, key)
		return nil, false
	}
	return ent.Value, true
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	b, err := encodeGob(cacheEntry{Value: value, Expiry: c.now().Add(ttl)})
	if err != nil {
		c.log.Warn("cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.store.Set(ctx, key, b); err != nil {
		c.log.Warn("cache write failed", "key", key, "err", err)
	}
}

func (c *Cache) delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("cache delete failed", "key", key, "err", err)
	}
}

// Close ends the session and discards the stored entries.
func (c *Cache) Close() error {
	return c.store.Close()
}
