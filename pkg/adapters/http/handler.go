// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package http exposes research turns and chat history over HTTP, with SSE
// and websocket streaming of turn events.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/auth"
	"github.com/leseb/deepsearch-gw/pkg/core/engine"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
	"github.com/leseb/deepsearch-gw/pkg/observability/tracing"
	"github.com/leseb/deepsearch-gw/pkg/ratelimit"
)

// Options wires a Handler.
type Options struct {
	Engine *engine.Engine
	Chats  state.ChatStore
	Auth   auth.Authenticator
	Tracer tracing.Tracer
	Logger *logging.Logger

	// SearchProvider is reported by the health route.
	SearchProvider  string
	// MaxRequestBytes caps chat request bodies and websocket messages.
	// Defaults to DefaultMaxRequestBytes.
	MaxRequestBytes int64
	Now             func() time.Time
}

// DefaultMaxRequestBytes fits a replayed history of several research turns,
// each carrying scraped pages of up to 32000 characters.
const DefaultMaxRequestBytes int64 = 8 << 20

// Handler implements the HTTP adapter
type Handler struct {
	engine         *engine.Engine
	chats          state.ChatStore
	tracer         tracing.Tracer
	logger         *logging.Logger
	mux            *http.ServeMux
	searchProvider string
	maxRequest     int64
	now            func() time.Time
}

// New creates a new HTTP handler
func New(opts Options) *Handler {
	h := &Handler{
		engine:         opts.Engine,
		chats:          opts.Chats,
		tracer:         tracing.OrNoop(opts.Tracer),
		logger:         logging.OrDiscard(opts.Logger),
		mux:            http.NewServeMux(),
		searchProvider: opts.SearchProvider,
		maxRequest:     opts.MaxRequestBytes,
		now:            opts.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.maxRequest <= 0 {
		h.maxRequest = DefaultMaxRequestBytes
	}
	authn := opts.Auth
	if authn == nil {
		authn = auth.Anonymous{UserID: "anonymous"}
	}
	protect := func(f http.HandlerFunc) http.Handler {
		return auth.Middleware(authn, f)
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)

	h.mux.Handle("POST /api/chat", protect(h.handleChat))
	h.mux.Handle("GET /api/chat/ws", protect(h.handleChatWebsocket))

	h.mux.Handle("GET /api/chats", protect(h.handleListChats))
	h.mux.Handle("GET /api/chats/{id}", protect(h.handleGetChat))

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr)

	h.mux.ServeHTTP(w, r)
}

// handleHealth handles health check requests
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"searchProvider": h.searchProvider,
		"maxSteps":       h.engine.MaxSteps(),
	})
}

// statusFor maps a pre-stream turn error to a status code and client message.
func statusFor(err error) (int, string) {
	var cfgErr *engine.ConfigError
	var backendErr *ratelimit.BackendError
	switch {
	case errors.Is(err, engine.ErrNoMessages):
		return http.StatusBadRequest, "No messages provided"
	case errors.Is(err, state.ErrChatNotFound):
		return http.StatusNotFound, "Chat not found"
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, cfgErr.Error()
	case errors.As(err, &backendErr):
		return http.StatusServiceUnavailable, "Rate limiter unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
