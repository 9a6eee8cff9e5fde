// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import (
	"context"

	"github.com/leseb/deepsearch-gw/pkg/cache"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
)

// Outcome is the result of one search. Upstream failures are reported in
// Error with an empty Results slice; they are never Go errors.
type Outcome struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

type searchArgs struct {
	Query string `json:"query"`
	N     int    `json:"n"`
}

// Searcher wraps a Provider with memoization under "search:<name>".
type Searcher struct {
	name   string
	logger *logging.Logger
	search func(context.Context, searchArgs) ([]SearchResult, error)
}

// NewSearcher creates a Searcher. A nil cache disables memoization.
func NewSearcher(name string, p Provider, c *cache.Cache, logger *logging.Logger) *Searcher {
	direct := func(ctx context.Context, a searchArgs) ([]SearchResult, error) {
		results, err := p.Search(ctx, a.Query, a.N)
		if err != nil {
			return nil, err
		}
		if a.N > 0 && len(results) > a.N {
			results = results[:a.N]
		}
		return results, nil
	}

	s := &Searcher{
		name:   name,
		logger: logging.OrDiscard(logger).With("provider", name),
		search: direct,
	}
	if c != nil {
		s.search = cache.Memoize(c, Namespace(name), direct)
	}
	return s
}

// Namespace is the cache namespace for a provider's results.
func Namespace(providerName string) string {
	return "search:" + providerName
}

// Name returns the provider name.
func (s *Searcher) Name() string { return s.name }

// Search runs the query. Cancellation is reported through Error like any
// other failure.
func (s *Searcher) Search(ctx context.Context, query string, n int) Outcome {
	out := Outcome{Query: query, Results: []SearchResult{}}
	if err := ctx.Err(); err != nil {
		out.Error = err.Error()
		return out
	}

	results, err := s.search(ctx, searchArgs{Query: query, N: n})
	if err != nil {
		s.logger.Warn("search failed", "query", query, "error", err)
		out.Error = err.Error()
		return out
	}
	if results != nil {
		out.Results = results
	}
	return out
}
