// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is the in-process KV backend. Expired keys are hidden on
// read and physically removed by a periodic cron sweep.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/provider"
)

func init() {
	kv.Providers.Register("memory", func(_ context.Context, params provider.Params) (kv.Store, error) {
		return New(Options{SweepSchedule: params.Get("sweep_schedule")})
	})
}

// compile-time check
var _ kv.Store = (*Store)(nil)

const defaultSweepSchedule = "@every 1m"

// Options configures the memory backend.
type Options struct {
	// SweepSchedule is a cron spec for purging expired keys. Defaults to
	// "@every 1m". Set to "off" to disable the sweep.
	SweepSchedule string
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

type entry struct {
	value     []byte
	expiresAt int64
}

// Store is a mutex-guarded map with per-key expiry.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
	cron  *cron.Cron
}

// New creates a memory store and starts its sweep schedule.
func New(opts Options) (*Store, error) {
	s := &Store{
		items: make(map[string]entry),
		now:   opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	schedule := opts.SweepSchedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	if schedule != "off" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
			return nil, fmt.Errorf("memory kv: invalid sweep schedule %q: %w", schedule, err)
		}
		s.cron.Start()
	}
	return s, nil
}

// Get returns the value for key, or kv.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || kv.Expired(s.now(), e.expiresAt) {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a copy of value under key.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry{value: v, expiresAt: kv.ExpiresAt(s.now(), ttl)}
	return nil
}

// Incr atomically increments the counter at key.
func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.items[key]
	if !ok || kv.Expired(now, e.expiresAt) {
		s.items[key] = entry{value: []byte("1"), expiresAt: kv.ExpiresAt(now, ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory kv: value at %q is not a counter", key)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.items[key] = e
	return n, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Sweep removes every expired key.
func (s *Store) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.items {
		if kv.Expired(now, e.expiresAt) {
			delete(s.items, k)
		}
	}
}

// Len returns the number of stored keys, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the sweep schedule.
func (s *Store) Close(_ context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return nil
}
