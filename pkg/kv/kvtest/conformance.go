// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvtest provides a shared conformance test suite for kv.Store
// implementations. Each backend should call RunConformanceTests from its own
// _test.go file.
package kvtest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/kv"
)

// RunConformanceTests exercises a Store implementation against the shared
// contract. The newStore function is called once per sub-test to provide an
// isolated store instance.
func RunConformanceTests(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		if err := store.Set(ctx, "greeting", []byte("hello"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := store.Get(ctx, "greeting")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "hello" {
			t.Errorf("Get = %q, want %q", got, "hello")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		_ = store.Set(ctx, "k", []byte("one"), 0)
		if err := store.Set(ctx, "k", []byte("two"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := store.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "two" {
			t.Errorf("Get = %q, want %q", got, "two")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())

		_, err := store.Get(context.Background(), "nope")
		if !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("Get missing: err = %v, want kv.ErrNotFound", err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		if err := store.Set(ctx, "short", []byte("x"), 50*time.Millisecond); err != nil {
			t.Fatalf("Set: %v", err)
		}
		time.Sleep(120 * time.Millisecond)
		if _, err := store.Get(ctx, "short"); !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("Get after ttl: err = %v, want kv.ErrNotFound", err)
		}
	})

	t.Run("Incr", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		for want := int64(1); want <= 3; want++ {
			n, err := store.Incr(ctx, "counter", time.Minute)
			if err != nil {
				t.Fatalf("Incr: %v", err)
			}
			if n != want {
				t.Errorf("Incr = %d, want %d", n, want)
			}
		}
		got, err := store.Get(ctx, "counter")
		if err != nil {
			t.Fatalf("Get counter: %v", err)
		}
		if string(got) != "3" {
			t.Errorf("Get counter = %q, want %q", got, "3")
		}
	})

	t.Run("IncrRestartsAfterExpiry", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		_, _ = store.Incr(ctx, "c", 50*time.Millisecond)
		_, _ = store.Incr(ctx, "c", 50*time.Millisecond)
		time.Sleep(120 * time.Millisecond)

		n, err := store.Incr(ctx, "c", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != 1 {
			t.Errorf("Incr after expiry = %d, want 1", n)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		_ = store.Set(ctx, "gone", []byte("x"), 0)
		if err := store.Delete(ctx, "gone"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, "gone"); !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("Get after delete: err = %v, want kv.ErrNotFound", err)
		}
		if err := store.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("Delete missing key: %v", err)
		}
	})

	t.Run("BinaryValue", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		val := []byte{0x00, 0xff, 0x10, '{', '}'}
		if err := store.Set(ctx, "bin", val, 0); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := store.Get(ctx, "bin")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != string(val) {
			t.Errorf("Get = %v, want %v", got, val)
		}
	})
}

// RunAtomicIncrTests checks that concurrent increments of a fresh key are
// not lost. Backends whose Incr is a plain read-modify-write skip it.
func RunAtomicIncrTests(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Helper()

	t.Run("ConcurrentIncr", func(t *testing.T) {
		store := newStore(t)
		defer store.Close(context.Background())
		ctx := context.Background()

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Incr(ctx, "concurrent", time.Minute); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("Incr: %v", err)
		}

		got, err := store.Get(ctx, "concurrent")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if n, _ := strconv.Atoi(string(got)); n != workers {
			t.Errorf("counter = %q, want %d", got, workers)
		}
	})
}
