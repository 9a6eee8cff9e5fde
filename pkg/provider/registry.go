// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider implements a generic factory registry for pluggable backends.
//
// Each subsystem (kv store, chat store, websearch) creates a typed Registry
// and implementations self-register via init(). Blank-import an
// implementation package to activate it, then call Registry.New(name, params)
// to instantiate.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Params carries backend settings as flat string pairs, usually straight
// from the YAML config. Implementations read the keys they need.
type Params map[string]string

// Get returns the trimmed value for key.
func (p Params) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// Require returns the value for key or an error naming the missing key.
func (p Params) Require(subsystem, key string) (string, error) {
	v := p.Get(key)
	if v == "" {
		return "", fmt.Errorf("%s: %s parameter is required", subsystem, key)
	}
	return v, nil
}

// Int parses key as an integer, returning def when unset or malformed.
func (p Params) Int(key string, def int) int {
	v := p.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration parses key with time.ParseDuration, returning def when unset or malformed.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	v := p.Get(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Bool parses key with strconv.ParseBool, returning def when unset or malformed.
func (p Params) Bool(key string, def bool) bool {
	v := p.Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Factory is a constructor function that creates a backend instance from
// its parameters.
type Factory[T any] func(ctx context.Context, params Params) (T, error)

// Registry is a thread-safe registry of named factory functions for a
// given backend interface T.
type Registry[T any] struct {
	subsystem string
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// NewRegistry creates a new Registry. The subsystem name is used in error
// messages (e.g. "kv_store", "chat_store").
func NewRegistry[T any](subsystem string) *Registry[T] {
	return &Registry[T]{
		subsystem: subsystem,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a named factory. Panics if the name is already registered
// (catches duplicate init() registrations at startup).
func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("provider: %s backend %q already registered", r.subsystem, name))
	}
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New creates a backend instance by name. Returns an error if the name
// is not registered.
func (r *Registry[T]) New(ctx context.Context, name string, params Params) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s provider: %q (available: %v)", r.subsystem, name, r.Available())
	}
	if params == nil {
		params = Params{}
	}
	return f(ctx, params)
}

// Available returns the sorted list of registered backend names.
func (r *Registry[T]) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
