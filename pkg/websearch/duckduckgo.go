// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/leseb/deepsearch-gw/pkg/provider"
)

func init() {
	Providers.Register("duckduckgo", func(_ context.Context, params provider.Params) (Provider, error) {
		return NewDuckDuckGoProvider(paramOptions(params)...), nil
	})
}

const (
	duckDuckGoURL       = "https://lite.duckduckgo.com/lite/"
	duckDuckGoUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	duckDuckGoAttempts  = 3
)

// DuckDuckGoProvider scrapes the DuckDuckGo lite HTML page. It needs no
// API key, which makes it the fallback for local development.
type DuckDuckGoProvider struct {
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewDuckDuckGoProvider creates a DuckDuckGo lite provider.
func NewDuckDuckGoProvider(opts ...Option) *DuckDuckGoProvider {
	o := buildOptions(duckDuckGoURL, opts)
	return &DuckDuckGoProvider{
		baseURL:    o.baseURL,
		httpClient: o.client,
		backoff:    time.Second,
	}
}

// Search posts the query form and parses result links and snippets.
// A 429 is retried with doubling backoff a bounded number of times.
func (d *DuckDuckGoProvider) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("duckduckgo: query is empty")
	}

	form := url.Values{}
	form.Set("q", query)

	var resp *http.Response
	delay := d.backoff
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", duckDuckGoUserAgent)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err = d.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("duckduckgo search request: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt == duckDuckGoAttempts {
			break
		}
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("duckduckgo search returned status %d: %s", resp.StatusCode, truncateBody(body))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return parseDuckDuckGoLite(doc, maxResults), nil
}

// parseDuckDuckGoLite pairs each a.result-link with the td.result-snippet
// that follows it in document order.
func parseDuckDuckGoLite(doc *goquery.Document, maxResults int) []SearchResult {
	snippets := doc.Find("td.result-snippet").Map(func(_ int, s *goquery.Selection) string {
		return collapseSpace(s.Text())
	})

	var results []SearchResult
	doc.Find("a.result-link").EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		link := resolveDuckDuckGoLink(href)
		title := collapseSpace(s.Text())
		if link == "" || title == "" {
			return true
		}
		r := SearchResult{Title: title, URL: link}
		if i < len(snippets) {
			r.Snippet = snippets[i]
		}
		results = append(results, r)
		return maxResults <= 0 || len(results) < maxResults
	})
	return results
}

// resolveDuckDuckGoLink unwraps the /l/?uddg= redirect DuckDuckGo uses
// for outbound links.
func resolveDuckDuckGoLink(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
