// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package websearch normalizes third-party search APIs into one result
// shape. Backends self-register on Providers; Searcher adds caching and
// turns upstream failures into error-flagged outcomes.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/provider"
)

// SearchResult represents a single web search result.
type SearchResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// Provider performs web searches against an external API.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Providers is the global registry of search backends.
var Providers = provider.NewRegistry[Provider]("websearch")

// MissingCredentialError reports a backend selected without its API key.
// Setting names the environment variable that supplies it.
type MissingCredentialError struct {
	Provider string
	Setting  string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s: %s is not set", e.Provider, e.Setting)
}

const defaultTimeout = 15 * time.Second

// Option customizes an HTTP-backed provider.
type Option func(*httpOptions)

type httpOptions struct {
	baseURL string
	client  *http.Client
}

// WithBaseURL points the provider at a different endpoint (proxies, tests).
func WithBaseURL(u string) Option {
	return func(o *httpOptions) {
		if u != "" {
			o.baseURL = u
		}
	}
}

// WithHTTPClient replaces the provider's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *httpOptions) {
		if c != nil {
			o.client = c
		}
	}
}

func buildOptions(defaultURL string, opts []Option) httpOptions {
	o := httpOptions{baseURL: defaultURL, client: &http.Client{Timeout: defaultTimeout}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// paramOptions maps the common registry params onto Options.
func paramOptions(params provider.Params) []Option {
	opts := []Option{WithBaseURL(params.Get("base_url"))}
	if d := params.Duration("timeout", 0); d > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: d}))
	}
	return opts
}

// truncateBody keeps upstream error bodies readable in logs.
func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
