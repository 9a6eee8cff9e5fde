// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs one research turn: it applies the caller's rate
// budget, then drives the agent loop over the search and scrape tools.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/core/agent"
	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/tools"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
	"github.com/leseb/deepsearch-gw/pkg/observability/tracing"
	"github.com/leseb/deepsearch-gw/pkg/ratelimit"
)

// ErrRateLimited is returned by RunTurn when the caller's budget stays
// exhausted after all retries.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrNoMessages is returned for a turn without history.
var ErrNoMessages = errors.New("no messages provided")

// ConfigError reports a setting the turn cannot run without.
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is not set", e.Setting)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RateLimit configures the per-turn budget. Limit 0 disables it.
type RateLimit struct {
	Limit      int
	Window     time.Duration
	MaxRetries int
	// PerUser keys budgets by user id instead of one global budget.
	PerUser bool
}

// TurnRequest is one user turn.
type TurnRequest struct {
	UserID   string
	ChatID   string
	Messages []api.Message
	// Admitted, when set, runs after the rate check and before the loop
	// starts. An error rejects the turn with no model or tool work done.
	Admitted func(ctx context.Context) error
}

// Options wires an Engine.
type Options struct {
	Model    agent.Model
	Searcher tools.Searcher
	Fetcher  tools.PageFetcher

	Limiter   *ratelimit.Limiter
	RateLimit RateLimit

	MaxSteps   int
	NumResults int
	// Timeout bounds a whole turn. Zero means no bound.
	Timeout       time.Duration
	ScrapeOptions []tools.ScrapeOption

	Tracer tracing.Tracer
	Logger *logging.Logger
	Now    func() time.Time

	// ConfigErr, when set, is returned by every RunTurn. It lets the server
	// start and report a missing credential per request.
	ConfigErr error
}

// Engine is the core orchestration engine for research turns.
type Engine struct {
	loop      *agent.Loop
	limiter   *ratelimit.Limiter
	rateLimit RateLimit
	timeout   time.Duration
	configErr error
	tracer    tracing.Tracer
	logger    *logging.Logger
}

// New creates a new Engine instance.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		limiter:   opts.Limiter,
		rateLimit: opts.RateLimit,
		timeout:   opts.Timeout,
		configErr: opts.ConfigErr,
		tracer:    tracing.OrNoop(opts.Tracer),
		logger:    logging.OrDiscard(opts.Logger),
	}
	if e.configErr != nil {
		return e, nil
	}

	if opts.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if opts.Searcher == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("searcher and fetcher are required")
	}
	if opts.Limiter != nil && opts.RateLimit.Limit > 0 && opts.RateLimit.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	numResults := opts.NumResults
	toolset := []agent.Tool{
		tools.NewSearchWeb(opts.Searcher, numResults, e.tracer),
		tools.NewScrapePages(opts.Fetcher, e.tracer, opts.ScrapeOptions...),
	}
	e.loop = agent.NewLoop(opts.Model, toolset,
		agent.WithMaxSteps(opts.MaxSteps),
		agent.WithLogger(e.logger),
		agent.WithSystemPrompt(func() string { return tools.SystemPrompt(now(), numResults) }),
	)
	return e, nil
}

// MaxSteps returns the step budget of a turn.
func (e *Engine) MaxSteps() int {
	if e.loop == nil {
		return 0
	}
	return e.loop.MaxSteps()
}

// RunTurn admits the turn against the rate budget, runs req.Admitted and
// starts the agent loop.
// Errors returned here happen before any model or tool work; failures after
// that arrive as an error event on the stream. The stream is closed after
// its done or error event.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (<-chan agent.Event, error) {
	if e.configErr != nil {
		return nil, e.configErr
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if err := e.admit(ctx, req.UserID); err != nil {
		return nil, err
	}
	if req.Admitted != nil {
		if err := req.Admitted(ctx); err != nil {
			return nil, err
		}
	}

	logger := e.logger.With("chat_id", req.ChatID, "user_id", req.UserID)
	logger.Info("turn started", "messages", len(req.Messages))

	var (
		turnCtx context.Context
		cancel  context.CancelFunc
	)
	if e.timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	turnCtx, span := e.tracer.Start(turnCtx, "research-turn", map[string]any{
		"chat_id": req.ChatID, "messages": len(req.Messages),
	})

	out := make(chan agent.Event, 16)
	go func() {
		defer close(out)
		defer cancel()

		terminal := false
		for ev := range e.loop.Run(turnCtx, req.Messages) {
			switch ev.Type {
			case agent.EventDone:
				terminal = true
				logger.Info("turn finished", "outcome", ev.Outcome, "step", ev.Step, "total_tokens", ev.Usage.TotalTokens)
				span.End(map[string]any{"outcome": ev.Outcome, "usage": ev.Usage})
			case agent.EventError:
				terminal = true
				if errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					ev.Error = "turn timed out"
				}
				span.RecordError(errors.New(ev.Error))
				span.End(nil)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.End(nil)
				return
			}
		}

		err := turnCtx.Err()
		if err == nil || terminal {
			return
		}
		logger.Warn("turn aborted", "error", err)
		span.RecordError(err)
		span.End(nil)
		// the turn timed out while the caller is still listening
		if ctx.Err() == nil {
			select {
			case out <- agent.Event{Type: agent.EventError, Error: "turn timed out"}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// admit checks and records one unit of the caller's budget, retrying while
// the window is full.
func (e *Engine) admit(ctx context.Context, userID string) error {
	if e.limiter == nil || e.rateLimit.Limit <= 0 {
		return nil
	}
	cfg := ratelimit.Config{
		Key:        "global",
		Limit:      e.rateLimit.Limit,
		Window:     e.rateLimit.Window,
		MaxRetries: e.rateLimit.MaxRetries,
	}
	if e.rateLimit.PerUser && userID != "" {
		cfg.Key = "user:" + userID
	}

	res, err := e.limiter.Check(ctx, cfg)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		e.logger.Info("rate limited, waiting", "key", cfg.Key, "retry_after", res.RetryAfter)
		ok, err := res.Retry(ctx)
		if err != nil {
			return fmt.Errorf("rate limit retry: %w", err)
		}
		if !ok {
			return ErrRateLimited
		}
	}
	if err := e.limiter.Record(ctx, cfg); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}
