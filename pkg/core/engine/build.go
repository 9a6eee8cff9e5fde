// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/leseb/deepsearch-gw/pkg/cache"
	"github.com/leseb/deepsearch-gw/pkg/core/agent"
	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/config"
	"github.com/leseb/deepsearch-gw/pkg/core/tokens"
	"github.com/leseb/deepsearch-gw/pkg/core/tools"
	"github.com/leseb/deepsearch-gw/pkg/fetch"
	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
	"github.com/leseb/deepsearch-gw/pkg/observability/tracing"
	"github.com/leseb/deepsearch-gw/pkg/ratelimit"
	"github.com/leseb/deepsearch-gw/pkg/websearch"
)

// Components exposes what FromConfig built, for health reporting.
type Components struct {
	Cache          *cache.Cache
	SearchProvider string
}

// FromConfig builds an Engine and its collaborators from configuration. The
// store backs both the cache and the rate limiter. A search provider
// selected without its credential yields an Engine whose turns fail with a
// ConfigError naming the missing setting.
func FromConfig(ctx context.Context, cfg *config.Config, store kv.Store, tracer tracing.Tracer, logger *logging.Logger) (*Engine, *Components, error) {
	logger = logging.OrDiscard(logger)

	cacheOpts := []cache.Option{cache.WithLogger(logger), cache.WithDefaultTTL(cfg.Cache.DefaultTTL)}
	for ns, ttl := range cfg.Cache.TTLs {
		cacheOpts = append(cacheOpts, cache.WithNamespaceTTL(ns, ttl))
	}
	c := cache.New(store, cacheOpts...)
	comps := &Components{Cache: c, SearchProvider: cfg.Search.Provider}

	opts := Options{
		Limiter: ratelimit.New(store),
		RateLimit: RateLimit{
			Limit:      cfg.RateLimit.Limit,
			Window:     cfg.RateLimit.Window,
			MaxRetries: cfg.RateLimit.MaxRetries,
			PerUser:    cfg.RateLimit.PerUser,
		},
		MaxSteps:   cfg.Engine.MaxSteps,
		NumResults: cfg.Search.NumResults,
		Timeout:    cfg.Engine.Timeout,
		Tracer:     tracer,
		Logger:     logger,
	}

	p, err := websearch.Providers.New(ctx, cfg.Search.Provider, cfg.Search.Params())
	var missing *websearch.MissingCredentialError
	switch {
	case errors.As(err, &missing):
		logger.Warn("search provider is missing its credential", "provider", cfg.Search.Provider, "setting", missing.Setting)
		opts.ConfigErr = &ConfigError{Setting: missing.Setting, Err: err}
		e, err := New(opts)
		return e, comps, err
	case err != nil:
		return nil, nil, fmt.Errorf("search provider: %w", err)
	}
	opts.Searcher = websearch.NewSearcher(cfg.Search.Provider, p, c, logger)

	fetcher := fetch.New(fetch.Options{
		Timeout:      cfg.Fetch.Timeout,
		MaxChars:     cfg.Fetch.MaxChars,
		MaxBytes:     cfg.Fetch.MaxBytes,
		UserAgent:    cfg.Fetch.UserAgent,
		AllowPrivate: cfg.Fetch.AllowPrivate,
	}, c, logger)
	opts.Fetcher = fetch.NewBulkFetcher(fetcher, cfg.Fetch.Concurrency)

	if cfg.Engine.ModelEndpoint == "" && cfg.Engine.APIKey == "" {
		opts.ConfigErr = &ConfigError{Setting: "OPENAI_API_KEY"}
		e, err := New(opts)
		return e, comps, err
	}
	counter := tokens.NewCounter()
	client := api.NewOpenAIClient(cfg.Engine.ModelEndpoint, cfg.Engine.APIKey)
	opts.Model = agent.NewChatModel(client, cfg.Engine.Model, counter)
	if cfg.Engine.MaxPageTokens > 0 {
		opts.ScrapeOptions = append(opts.ScrapeOptions, tools.WithTokenBudget(counter, cfg.Engine.Model, cfg.Engine.MaxPageTokens))
	}

	e, err := New(opts)
	if err != nil {
		return nil, nil, err
	}
	return e, comps, nil
}
