// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools implements the searchWeb and scrapePages functions offered
// to the model, and the research system prompt.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leseb/deepsearch-gw/pkg/core/agent"
	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/tokens"
	"github.com/leseb/deepsearch-gw/pkg/fetch"
	"github.com/leseb/deepsearch-gw/pkg/observability/tracing"
	"github.com/leseb/deepsearch-gw/pkg/websearch"
)

// DefaultNumResults is how many results searchWeb asks for.
const DefaultNumResults = 10

// Searcher runs one memoized web search.
type Searcher interface {
	Search(ctx context.Context, query string, n int) websearch.Outcome
}

// PageFetcher fetches a batch of pages.
type PageFetcher interface {
	FetchAll(ctx context.Context, urls []string) fetch.BulkFetchResult
}

// SearchResultRow is one entry of the searchWeb payload.
type SearchResultRow struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
}

// SearchWeb is the searchWeb tool.
type SearchWeb struct {
	searcher   Searcher
	numResults int
	tracer     tracing.Tracer
}

// NewSearchWeb creates the searchWeb tool. numResults <= 0 uses
// DefaultNumResults.
func NewSearchWeb(s Searcher, numResults int, tracer tracing.Tracer) *SearchWeb {
	if numResults <= 0 {
		numResults = DefaultNumResults
	}
	return &SearchWeb{searcher: s, numResults: numResults, tracer: tracing.OrNoop(tracer)}
}

// Definition implements agent.Tool.
func (t *SearchWeb) Definition() api.ToolFunction {
	return api.ToolFunction{
		Name:        agent.SearchToolName,
		Description: "Search the web for current information",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The query to search the web for",
				},
			},
			"required": []string{"query"},
		},
	}
}

// Invoke implements agent.Tool.
func (t *SearchWeb) Invoke(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid searchWeb arguments: %w", err)
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		return "", fmt.Errorf("searchWeb: query is required")
	}

	ctx, span := t.tracer.Start(ctx, "search-web", args)
	out := t.searcher.Search(ctx, args.Query, t.numResults)

	var rows []SearchResultRow
	switch {
	case out.Error != "":
		span.RecordError(fmt.Errorf("%s", out.Error))
		rows = []SearchResultRow{{
			Title:   "Search Error",
			Snippet: "Unable to search at this time: " + out.Error,
		}}
	case len(out.Results) == 0:
		rows = []SearchResultRow{{
			Title:   "No Results",
			Snippet: "No search results found for this query.",
		}}
	default:
		rows = make([]SearchResultRow, 0, len(out.Results))
		for _, r := range out.Results {
			rows = append(rows, SearchResultRow{
				Title:   r.Title,
				Link:    r.URL,
				Snippet: r.Snippet,
				Date:    r.PublishedDate,
			})
		}
	}
	span.End(rows)
	return marshal(rows)
}

// ScrapeResultRow is one entry of the scrapePages payload. Data holds the
// page text on success and the failure reason otherwise.
type ScrapeResultRow struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Data    string `json:"data"`
}

// ScrapePayload is the scrapePages result.
type ScrapePayload struct {
	Error   string            `json:"error,omitempty"`
	Results []ScrapeResultRow `json:"results"`
}

// ScrapePages is the scrapePages tool.
type ScrapePages struct {
	fetcher PageFetcher
	tracer  tracing.Tracer

	counter   *tokens.Counter
	model     string
	maxTokens int
}

// ScrapeOption configures ScrapePages.
type ScrapeOption func(*ScrapePages)

// WithTokenBudget caps each page's text at maxTokens tokens of model.
func WithTokenBudget(counter *tokens.Counter, model string, maxTokens int) ScrapeOption {
	return func(s *ScrapePages) {
		s.counter = counter
		s.model = model
		s.maxTokens = maxTokens
	}
}

// NewScrapePages creates the scrapePages tool.
func NewScrapePages(f PageFetcher, tracer tracing.Tracer, opts ...ScrapeOption) *ScrapePages {
	s := &ScrapePages{fetcher: f, tracer: tracing.OrNoop(tracer)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Definition implements agent.Tool.
func (t *ScrapePages) Definition() api.ToolFunction {
	return api.ToolFunction{
		Name:        agent.ScrapeToolName,
		Description: "Fetch the full readable text of web pages",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The URLs to scrape",
				},
			},
			"required": []string{"urls"},
		},
	}
}

// Invoke implements agent.Tool.
func (t *ScrapePages) Invoke(ctx context.Context, arguments string) (string, error) {
	var args struct {
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid scrapePages arguments: %w", err)
	}

	ctx, span := t.tracer.Start(ctx, "scrape-pages", args)
	res := t.fetcher.FetchAll(ctx, args.URLs)

	payload := ScrapePayload{Results: make([]ScrapeResultRow, 0, len(res.Outcomes))}
	failed := 0
	for _, o := range res.Outcomes {
		row := ScrapeResultRow{URL: o.URL, Success: o.Succeeded}
		if o.Succeeded {
			row.Data = t.limit(o.Content)
		} else {
			failed++
			row.Data = o.ErrorMessage
		}
		payload.Results = append(payload.Results, row)
	}
	if !res.AllSucceeded {
		payload.Error = fmt.Sprintf("failed to fetch %d of %d pages", failed, len(res.Outcomes))
		span.RecordError(fmt.Errorf("%s", payload.Error))
	}
	span.End(map[string]int{"pages": len(res.Outcomes), "failed": failed})
	return marshal(payload)
}

func (t *ScrapePages) limit(text string) string {
	if t.counter == nil || t.maxTokens <= 0 {
		return text
	}
	out, cut := t.counter.Truncate(t.model, text, t.maxTokens)
	if cut {
		out += fetch.TruncationMarker
	}
	return out
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
