// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing records named spans around chat and tool operations.
// Spans are observational: nothing reads them back and a failing exporter
// never affects a request.
package tracing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
)

// maxLoggedPayload caps the serialized input/output attached to a span log.
const maxLoggedPayload = 2048

// Tracer starts spans. The returned context carries the span so nested
// spans share its trace id.
type Tracer interface {
	Start(ctx context.Context, name string, input any) (context.Context, Span)
}

// Span is one timed operation.
type Span interface {
	// End closes the span with its output. Calling End twice is a no-op.
	End(output any)
	// RecordError marks the span failed.
	RecordError(err error)
	TraceID() string
}

type spanKey struct{}

// TraceIDFromContext returns the trace id of the span in ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(spanKey{}).(Span); ok {
		return s.TraceID()
	}
	return ""
}

// Noop returns a Tracer that records nothing.
func Noop() Tracer { return noopTracer{} }

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ any) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(any) {}
func (noopSpan) RecordError(error) {}
func (noopSpan) TraceID() string { return "" }

// OrNoop returns t, or a no-op tracer when t is nil.
func OrNoop(t Tracer) Tracer {
	if t == nil {
		return Noop()
	}
	return t
}

// LogTracer writes one structured log line per finished span.
type LogTracer struct {
	logger *logging.Logger
	now    func() time.Time
}

// NewLogTracer creates a tracer logging through logger.
func NewLogTracer(logger *logging.Logger) *LogTracer {
	return &LogTracer{logger: logging.OrDiscard(logger), now: time.Now}
}

// Start implements Tracer.
func (t *LogTracer) Start(ctx context.Context, name string, input any) (context.Context, Span) {
	s := &logSpan{
		tracer: t,
		name:   name,
		id:     uuid.NewString(),
		input:  input,
		start:  t.now(),
	}
	if parent, ok := ctx.Value(spanKey{}).(*logSpan); ok {
		s.traceID = parent.traceID
		s.parentID = parent.id
	} else {
		s.traceID = uuid.NewString()
	}
	return context.WithValue(ctx, spanKey{}, Span(s)), s
}

type logSpan struct {
	tracer   *LogTracer
	name     string
	id       string
	traceID  string
	parentID string
	input    any
	start    time.Time
	err      error
	ended    bool
}

func (s *logSpan) TraceID() string { return s.traceID }

func (s *logSpan) RecordError(err error) { s.err = err }

func (s *logSpan) End(output any) {
	if s.ended {
		return
	}
	s.ended = true

	args := []any{
		"span", s.name,
		"trace_id", s.traceID,
		"span_id", s.id,
		"duration_ms", s.tracer.now().Sub(s.start).Milliseconds(),
		"input", payload(s.input),
		"output", payload(output),
	}
	if s.parentID != "" {
		args = append(args, "parent_id", s.parentID)
	}
	if s.err != nil {
		args = append(args, "error", s.err.Error())
		s.tracer.logger.Warn("span failed", args...)
		return
	}
	s.tracer.logger.Debug("span", args...)
}

func payload(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	if len(b) > maxLoggedPayload {
		return string(b[:maxLoggedPayload]) + "..."
	}
	return string(b)
}
