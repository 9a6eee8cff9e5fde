// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import "context"

func init() {
	registerKeyed("serper", "SERPER_API_KEY", func(apiKey string, opts ...Option) Provider {
		return NewSerperProvider(apiKey, opts...)
	})
}

const serperURL = "https://google.serper.dev/search"

// SerperProvider performs Google searches through the Serper API.
type SerperProvider struct {
	keyedAPI
}

// NewSerperProvider creates a new Serper provider.
func NewSerperProvider(apiKey string, opts ...Option) *SerperProvider {
	return &SerperProvider{keyedAPI: newKeyedAPI(apiKey, serperURL, opts)}
}

// Search posts the query to Serper and maps its organic results.
func (s *SerperProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	var resp serperSearchResponse
	err := postJSON(ctx, s.httpClient, "serper", s.baseURL,
		map[string]string{"X-API-KEY": s.apiKey},
		serperSearchRequest{Q: query, Num: maxResults}, &resp)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		results = append(results, SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet, PublishedDate: r.Date})
	}
	return results, nil
}

type serperSearchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperSearchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"organic"`
}
