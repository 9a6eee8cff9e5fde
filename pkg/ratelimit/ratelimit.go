// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds request volume per key within fixed windows kept
// in a shared kv.Store.
//
// Check and Record are separate calls and are not atomic with respect to
// each other: concurrent callers may both observe Allowed and both record,
// overshooting Limit by the number of racing callers. The limit is soft.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/kv"
)

// Config describes one limit.
type Config struct {
	// Key identifies the budget, e.g. "global" or "user:42".
	Key string
	// Limit is the number of records allowed per window. Zero or less
	// disables the limit.
	Limit int
	// Window is the length of a window.
	Window time.Duration
	// MaxRetries bounds Result.Retry.
	MaxRetries int
}

// RateWindow is the observable state of one key's current window.
type RateWindow struct {
	Key              string `json:"key"`
	WindowStartMs    int64  `json:"windowStartMs"`
	Count            int    `json:"count"`
	Limit            int    `json:"limit"`
	WindowDurationMs int64  `json:"windowDurationMs"`
}

// BackendError reports that the store behind the limiter failed. The
// limiter never allows a request it could not account for.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rate limiter backend: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Limiter checks and records usage against windows in a kv.Store.
type Limiter struct {
	store  kv.Store
	clock  Clock
	prefix string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithPrefix sets the store key prefix (default "ratelimit").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New creates a Limiter over store.
func New(store kv.Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, clock: systemClock{}, prefix: "ratelimit"}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Result is the outcome of Check.
type Result struct {
	Allowed bool
	Window  RateWindow
	// RetryAfter is the time until the window is expected to roll over.
	// Zero when Allowed.
	RetryAfter time.Duration

	limiter *Limiter
	cfg     Config
}

// windowMeta is what is persisted under the window key. The count lives in
// a separate counter key so Record can use Incr.
type windowMeta struct {
	WindowStartMs    int64 `json:"windowStartMs"`
	Limit            int   `json:"limit"`
	WindowDurationMs int64 `json:"windowDurationMs"`
}

func (l *Limiter) windowKey(key string) string {
	return l.prefix + ":" + key
}

func (l *Limiter) countKey(key string, startMs int64) string {
	return l.prefix + ":" + key + ":" + strconv.FormatInt(startMs, 10)
}

// current loads the active window for cfg, starting a fresh one when none
// exists or the stored one has elapsed.
func (l *Limiter) current(ctx context.Context, cfg Config, now time.Time) (windowMeta, error) {
	raw, err := l.store.Get(ctx, l.windowKey(cfg.Key))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return windowMeta{}, &BackendError{Op: "get window", Err: err}
	}

	var w windowMeta
	if err == nil {
		if jerr := json.Unmarshal(raw, &w); jerr != nil {
			// corrupt entry: treat as absent and overwrite below
			w = windowMeta{}
		}
	}

	windowMs := cfg.Window.Milliseconds()
	if w.WindowStartMs != 0 && now.UnixMilli()-w.WindowStartMs < windowMs {
		return w, nil
	}

	w = windowMeta{
		WindowStartMs:    now.UnixMilli(),
		Limit:            cfg.Limit,
		WindowDurationMs: windowMs,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return windowMeta{}, fmt.Errorf("marshal window: %w", err)
	}
	if err := l.store.Set(ctx, l.windowKey(cfg.Key), data, cfg.Window); err != nil {
		return windowMeta{}, &BackendError{Op: "set window", Err: err}
	}
	return w, nil
}

func (l *Limiter) count(ctx context.Context, key string, startMs int64) (int, error) {
	raw, err := l.store.Get(ctx, l.countKey(key, startMs))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, &BackendError{Op: "get count", Err: err}
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, &BackendError{Op: "parse count", Err: err}
	}
	return n, nil
}

// Check reports whether one more request fits in the current window. It
// does not consume budget; call Record after acting on an allowed result.
func (l *Limiter) Check(ctx context.Context, cfg Config) (Result, error) {
	if err := validate(cfg); err != nil {
		return Result{}, err
	}
	res := Result{limiter: l, cfg: cfg}
	now := l.clock.Now()

	if cfg.Limit <= 0 {
		res.Allowed = true
		res.Window = RateWindow{Key: cfg.Key, WindowStartMs: now.UnixMilli(), WindowDurationMs: cfg.Window.Milliseconds()}
		return res, nil
	}

	w, err := l.current(ctx, cfg, now)
	if err != nil {
		return Result{}, err
	}
	n, err := l.count(ctx, cfg.Key, w.WindowStartMs)
	if err != nil {
		return Result{}, err
	}

	res.Window = RateWindow{
		Key:              cfg.Key,
		WindowStartMs:    w.WindowStartMs,
		Count:            n,
		Limit:            cfg.Limit,
		WindowDurationMs: w.WindowDurationMs,
	}
	res.Allowed = n < cfg.Limit
	if !res.Allowed {
		res.RetryAfter = time.Duration(w.WindowStartMs+w.WindowDurationMs-now.UnixMilli()) * time.Millisecond
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res, nil
}

// Record consumes one unit of budget in the current window.
func (l *Limiter) Record(ctx context.Context, cfg Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	if cfg.Limit <= 0 {
		return nil
	}
	w, err := l.current(ctx, cfg, l.clock.Now())
	if err != nil {
		return err
	}
	if _, err := l.store.Incr(ctx, l.countKey(cfg.Key, w.WindowStartMs), cfg.Window); err != nil {
		return &BackendError{Op: "incr count", Err: err}
	}
	return nil
}

// Retry waits for the window to roll over and checks again, up to
// MaxRetries times. It returns true as soon as a check is allowed and
// false once the retries are spent. Retry on an allowed result returns true
// immediately.
func (r Result) Retry(ctx context.Context) (bool, error) {
	if r.Allowed {
		return true, nil
	}
	if r.limiter == nil {
		return false, errors.New("ratelimit: Retry on a zero Result")
	}

	cur := r
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if err := r.limiter.clock.Sleep(ctx, cur.RetryAfter); err != nil {
			return false, err
		}
		next, err := r.limiter.Check(ctx, r.cfg)
		if err != nil {
			return false, err
		}
		if next.Allowed {
			return true, nil
		}
		cur = next
	}
	return false, nil
}

func validate(cfg Config) error {
	if cfg.Key == "" {
		return errors.New("ratelimit: key is required")
	}
	if cfg.Window <= 0 {
		return errors.New("ratelimit: window must be positive")
	}
	return nil
}
