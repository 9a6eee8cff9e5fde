// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/kv/kvtest"
)

func TestSQLiteConformance(t *testing.T) {
	newStore := func(t *testing.T) kv.Store {
		s, err := New(context.Background(), filepath.Join(t.TempDir(), "kv.db"), "")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	}
	kvtest.RunConformanceTests(t, newStore)
	kvtest.RunAtomicIncrTests(t, newStore)
}

func TestSQLiteSweep(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(ctx)

	_ = s.Set(ctx, "short", []byte("x"), 20*time.Millisecond)
	_ = s.Set(ctx, "long", []byte("y"), time.Hour)
	time.Sleep(60 * time.Millisecond)

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d rows, want 1", n)
	}
	if _, err := s.Get(ctx, "long"); err != nil {
		t.Errorf("long-lived key should survive sweep: %v", err)
	}
}

func TestSQLiteRegistered(t *testing.T) {
	ctx := context.Background()
	store, err := kv.Providers.New(ctx, "sqlite", map[string]string{"path": ":memory:"})
	if err != nil {
		t.Fatalf("Providers.New: %v", err)
	}
	defer store.Close(ctx)
	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
}
