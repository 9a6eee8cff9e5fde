// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache memoizes idempotent upstream calls in a shared kv.Store.
//
// A cached value is keyed by namespace and the canonical JSON encoding of
// the call argument. The context is never part of the key. Errors are never
// cached, and results computed under a cancelled context are not written.
// The store is an optimization only: read or write failures are logged and
// the call proceeds as if uncached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
)

// DefaultTTL applies to namespaces without an explicit TTL.
const DefaultTTL = 6 * time.Hour

// Entry is the stored envelope around a memoized value.
type Entry struct {
	Value      json.RawMessage `json:"value"`
	StoredAtMs int64           `json:"storedAtMs"`
	TTLMs      int64           `json:"ttlMs"`
}

// Stats are process-local counters for observability.
type Stats struct {
	Hits        int64
	Misses      int64
	StoreErrors int64
}

// Cache wraps a kv.Store with TTL bookkeeping.
type Cache struct {
	store      kv.Store
	logger     *logging.Logger
	now        func() time.Time
	defaultTTL time.Duration
	ttls       map[string]time.Duration

	hits        atomic.Int64
	misses      atomic.Int64
	storeErrors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for store failures.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithDefaultTTL overrides DefaultTTL. Non-positive values are ignored.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithNamespaceTTL sets the TTL for one namespace.
func WithNamespaceTTL(namespace string, ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttls[namespace] = ttl
		}
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over store.
func New(store kv.Store, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		now:        time.Now,
		defaultTTL: DefaultTTL,
		ttls:       make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// TTL returns the effective TTL for namespace.
func (c *Cache) TTL(namespace string) time.Duration {
	if ttl, ok := c.ttls[namespace]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Stats returns a snapshot of the hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StoreErrors: c.storeErrors.Load(),
	}
}

// Key derives the store key for arg under namespace: the namespace, a
// colon, and the hex SHA-256 of arg's JSON encoding.
func Key(namespace string, arg any) (string, error) {
	data, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("cache: encode key argument: %w", err)
	}
	sum := sha256.Sum256(data)
	return namespace + ":" + hex.EncodeToString(sum[:]), nil
}

// lookup returns the stored value for key when present and fresh.
func (c *Cache) lookup(ctx context.Context, namespace, key string) (json.RawMessage, bool) {
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.storeErrors.Add(1)
		c.logger.Warn("cache read failed, calling upstream directly",
			"namespace", namespace, "key", key, "error", err)
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "namespace", namespace, "key", key, "error", err)
		return nil, false
	}
	if e.TTLMs > 0 && c.now().UnixMilli() >= e.StoredAtMs+e.TTLMs {
		return nil, false
	}
	return e.Value, true
}

func (c *Cache) write(ctx context.Context, namespace, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not encodable", "namespace", namespace, "error", err)
		return
	}
	ttl := c.TTL(namespace)
	envelope, err := json.Marshal(Entry{
		Value:      data,
		StoredAtMs: c.now().UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
	})
	if err != nil {
		c.logger.Warn("cache entry not encodable", "namespace", namespace, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, envelope, ttl); err != nil {
		c.storeErrors.Add(1)
		c.logger.Warn("cache write failed", "namespace", namespace, "key", key, "error", err)
	}
}

// Memoize wraps fn so repeated calls with a deep-equal argument within the
// namespace TTL are served from the store. Concurrent misses for the same
// key each call fn.
func Memoize[A, R any](c *Cache, namespace string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		key, err := Key(namespace, arg)
		if err != nil {
			c.logger.Warn("uncacheable argument", "namespace", namespace, "error", err)
			return fn(ctx, arg)
		}

		if raw, ok := c.lookup(ctx, namespace, key); ok {
			var cached R
			if err := json.Unmarshal(raw, &cached); err == nil {
				c.hits.Add(1)
				c.logger.Debug("cache hit", "namespace", namespace, "key", key)
				return cached, nil
			}
			c.logger.Warn("cached value has unexpected shape", "namespace", namespace, "key", key)
		}
		c.misses.Add(1)

		result, err := fn(ctx, arg)
		if err != nil {
			return result, err
		}
		if ctx.Err() != nil {
			return result, nil
		}
		c.write(ctx, namespace, key, result)
		return result, nil
	}
}
