// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package kv defines the shared key-value store used by the rate limiter and
// the memoization cache. Backends live in sub-packages and self-register on
// Providers.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/provider"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a string-keyed byte store with per-key expiry.
//
// A zero ttl means the key never expires. Incr stores its counter as a
// decimal string so Get returns it in readable form; an absent or expired
// counter restarts at 1 and takes the given ttl, while an existing counter
// keeps its original expiry. Concurrent Incr calls are not lost unless the
// backend documents otherwise.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// Providers is the global registry of KV store backends.
var Providers = provider.NewRegistry[Store]("kv_store")

// ExpiresAt converts a ttl relative to now into an absolute deadline in
// unix milliseconds. Zero means no expiry.
func ExpiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

// Expired reports whether a deadline produced by ExpiresAt has passed.
func Expired(now time.Time, expiresAtMs int64) bool {
	return expiresAtMs != 0 && now.UnixMilli() >= expiresAtMs
}
