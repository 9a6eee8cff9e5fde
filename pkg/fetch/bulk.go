// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BulkFetchResult aggregates the outcomes of one FetchAll call.
// AllSucceeded is true only when every outcome succeeded; an empty input
// yields true with no outcomes.
type BulkFetchResult struct {
	AllSucceeded bool           `json:"allSucceeded"`
	Outcomes     []FetchOutcome `json:"outcomes"`
}

// BulkFetcher fetches many URLs with at most Ceiling in flight.
type BulkFetcher struct {
	fetcher *Fetcher
	ceiling int
}

// NewBulkFetcher wraps f. A ceiling of zero or less uses DefaultConcurrency.
func NewBulkFetcher(f *Fetcher, ceiling int) *BulkFetcher {
	if ceiling <= 0 {
		ceiling = DefaultConcurrency
	}
	return &BulkFetcher{fetcher: f, ceiling: ceiling}
}

// FetchAll returns once every URL has a terminal outcome. Outcomes are in
// input order. One URL's failure never affects another.
func (b *BulkFetcher) FetchAll(ctx context.Context, urls []string) BulkFetchResult {
	outcomes := make([]FetchOutcome, len(urls))

	var g errgroup.Group
	g.SetLimit(b.ceiling)
	for i, u := range urls {
		g.Go(func() error {
			outcomes[i] = b.fetcher.Fetch(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	all := true
	for _, o := range outcomes {
		if !o.Succeeded {
			all = false
			break
		}
	}
	return BulkFetchResult{AllSucceeded: all, Outcomes: outcomes}
}
