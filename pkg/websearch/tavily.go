// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import "context"

func init() {
	registerKeyed("tavily", "TAVILY_API_KEY", func(apiKey string, opts ...Option) Provider {
		return NewTavilyProvider(apiKey, opts...)
	})
}

const tavilyURL = "https://api.tavily.com/search"

// TavilyProvider performs web searches using the Tavily Search API.
type TavilyProvider struct {
	keyedAPI
}

// NewTavilyProvider creates a new Tavily Search provider.
func NewTavilyProvider(apiKey string, opts ...Option) *TavilyProvider {
	return &TavilyProvider{keyedAPI: newKeyedAPI(apiKey, tavilyURL, opts)}
}

// Search asks Tavily for a basic-depth search. The key travels in the
// body, not a header.
func (t *TavilyProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	var resp tavilySearchResponse
	req := tavilySearchRequest{APIKey: t.apiKey, Query: query, MaxResults: maxResults, SearchDepth: "basic"}
	if err := postJSON(ctx, t.httpClient, "tavily", t.baseURL, nil, req, &resp); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content, PublishedDate: r.PublishedDate})
	}
	return results, nil
}

type tavilySearchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth,omitempty"`
}

type tavilyResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content"`
	PublishedDate string `json:"published_date,omitempty"`
}

type tavilySearchResponse struct {
	Results []tavilyResult `json:"results"`
}
