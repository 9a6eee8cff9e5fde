// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

func init() {
	registerKeyed("brave", "BRAVE_SEARCH_API_KEY", func(apiKey string, opts ...Option) Provider {
		return NewBraveProvider(apiKey, opts...)
	})
}

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// Brave caps count at 20 per request.
const braveMaxCount = 20

// BraveProvider performs web searches using the Brave Search API.
type BraveProvider struct {
	keyedAPI
}

// NewBraveProvider creates a new Brave Search provider.
func NewBraveProvider(apiKey string, opts ...Option) *BraveProvider {
	return &BraveProvider{keyedAPI: newKeyedAPI(apiKey, braveURL, opts)}
}

// Search queries the Brave Web Search API. Brave reports recency as
// page_age, or a relative age when that is missing.
func (b *BraveProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(min(maxResults, braveMaxCount)))
	u.RawQuery = q.Encode()

	var resp braveSearchResponse
	if err := getJSON(ctx, b.httpClient, "brave", u.String(), map[string]string{"X-Subscription-Token": b.apiKey}, &resp); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		date := r.PageAge
		if date == "" {
			date = r.Age
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description, PublishedDate: date})
	}
	return results, nil
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age"`
	PageAge     string `json:"page_age"`
}

type braveSearchResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}
