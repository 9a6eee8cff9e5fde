// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import (
	"context"
	"errors"
	"testing"

	"github.com/leseb/deepsearch-gw/pkg/cache"
	"github.com/leseb/deepsearch-gw/pkg/kv/memory"
)

type stubProvider struct {
	calls   int
	results []SearchResult
	err     error
}

func (s *stubProvider) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	s.calls++
	return s.results, s.err
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	store, err := memory.New(memory.Options{SweepSchedule: "off"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })
	return cache.New(store)
}

func TestSearcherMemoizes(t *testing.T) {
	p := &stubProvider{results: []SearchResult{{Title: "a", URL: "https://a"}, {Title: "b", URL: "https://b"}}}
	s := NewSearcher("stub", p, newTestCache(t), nil)

	first := s.Search(context.Background(), "q", 10)
	second := s.Search(context.Background(), "q", 10)
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1", p.calls)
	}
	if len(second.Results) != 2 || second.Results[1] != first.Results[1] {
		t.Errorf("cached outcome differs: %+v vs %+v", second, first)
	}

	s.Search(context.Background(), "q", 5)
	if p.calls != 2 {
		t.Errorf("different result count should miss the cache, calls = %d", p.calls)
	}
}

func TestSearcherTrimsToN(t *testing.T) {
	p := &stubProvider{results: []SearchResult{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	out := NewSearcher("stub", p, nil, nil).Search(context.Background(), "q", 2)
	if len(out.Results) != 2 {
		t.Errorf("got %d results, want 2", len(out.Results))
	}
}

func TestSearcherUpstreamErrorIsOutcome(t *testing.T) {
	p := &stubProvider{err: errors.New("serper search returned status 500")}
	s := NewSearcher("stub", p, newTestCache(t), nil)

	out := s.Search(context.Background(), "q", 10)
	if out.Error == "" {
		t.Fatal("expected error-flagged outcome")
	}
	if out.Results == nil || len(out.Results) != 0 {
		t.Errorf("expected empty non-nil results, got %#v", out.Results)
	}

	// failures are not cached
	p.err = nil
	p.results = []SearchResult{{Title: "ok"}}
	if out := s.Search(context.Background(), "q", 10); out.Error != "" || len(out.Results) != 1 {
		t.Errorf("expected recovery after failure, got %+v", out)
	}
}

func TestSearcherCancelled(t *testing.T) {
	p := &stubProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := NewSearcher("stub", p, nil, nil).Search(ctx, "q", 10)
	if out.Error == "" || p.calls != 0 {
		t.Errorf("expected cancelled outcome without upstream call, got %+v calls=%d", out, p.calls)
	}
}

func TestNamespace(t *testing.T) {
	if Namespace("brave") != "search:brave" {
		t.Errorf("Namespace = %q", Namespace("brave"))
	}
}
