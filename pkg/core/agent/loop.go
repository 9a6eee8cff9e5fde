// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
)

// Loop drives turns through the state machine.
type Loop struct {
	model    Model
	tools    map[string]Tool
	defs     []api.ToolFunction
	system   func() string
	maxSteps int
	logger   *logging.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxSteps overrides DefaultMaxSteps. Values below one are ignored.
func WithMaxSteps(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxSteps = n
		}
	}
}

// WithSystemPrompt sets the instructions sent before the history. The
// function is called at every planning step so it may embed the time.
func WithSystemPrompt(f func() string) Option {
	return func(l *Loop) { l.system = f }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a Loop calling model with the given tools.
func NewLoop(model Model, tools []Tool, opts ...Option) *Loop {
	l := &Loop{
		model:    model,
		tools:    make(map[string]Tool, len(tools)),
		maxSteps: DefaultMaxSteps,
		system:   func() string { return "" },
	}
	for _, t := range tools {
		def := t.Definition()
		l.tools[def.Name] = t
		l.defs = append(l.defs, def)
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDiscard(l.logger)
	return l
}

// MaxSteps returns the step budget.
func (l *Loop) MaxSteps() int { return l.maxSteps }

// Advance performs one transition. It returns the state unchanged together
// with an error when the model fails or ctx is cancelled.
func (l *Loop) Advance(ctx context.Context, st State, emit Emitter) (State, error) {
	if emit == nil {
		emit = Discard
	}
	if st.Phase == PhaseDone {
		return st, nil
	}
	if err := ctx.Err(); err != nil {
		return st, err
	}

	switch st.Phase {
	case PhasePlanning:
		return l.plan(ctx, st, emit)
	case PhaseToolExecuting:
		return l.execute(ctx, st, emit)
	case PhaseAnswering:
		next := st
		next.Steps = append(append([]Step(nil), st.Steps...), Step{StepIndex: st.StepIndex, Action: ActionAnswer, Output: st.Text})
		return l.finish(next, OutcomeCompleted, emit), nil
	default:
		return st, fmt.Errorf("unknown phase %q", st.Phase)
	}
}

func (l *Loop) plan(ctx context.Context, st State, emit Emitter) (State, error) {
	step := st.StepIndex
	plan, err := l.model.PlanNextStep(ctx, PlanRequest{
		System:   l.system(),
		Messages: st.Messages,
		Tools:    l.defs,
	}, func(delta string) {
		if delta != "" {
			emit.Emit(Event{Type: EventTextDelta, Step: step, Delta: delta})
		}
	})
	if err != nil {
		return st, fmt.Errorf("planning step %d: %w", step, err)
	}

	next := st
	next.Messages = append(append([]api.Message(nil), st.Messages...), api.Message{
		Role:      api.RoleAssistant,
		Content:   plan.Text,
		ToolCalls: plan.ToolCalls,
	})
	next.Text += plan.Text
	next.Usage.Add(plan.Usage)

	if len(plan.ToolCalls) == 0 {
		next.Pending = nil
		next.Phase = PhaseAnswering
		return next, nil
	}

	next.Pending = plan.ToolCalls
	next.Phase = PhaseToolExecuting
	for i := range plan.ToolCalls {
		tc := plan.ToolCalls[i]
		emit.Emit(Event{Type: EventToolCall, Step: step, ToolCall: &tc})
	}
	return next, nil
}

func (l *Loop) execute(ctx context.Context, st State, emit Emitter) (State, error) {
	calls := st.Pending
	outputs := make([]string, len(calls))

	// Tool failures are folded into outputs, so the group never errors.
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			outputs[i] = l.invoke(gctx, tc)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return st, err
	}

	next := st
	next.Pending = nil
	next.Messages = append([]api.Message(nil), st.Messages...)
	next.Steps = append([]Step(nil), st.Steps...)
	for i, tc := range calls {
		next.Messages = append(next.Messages, api.Message{
			Role:       api.RoleTool,
			Content:    outputs[i],
			ToolCallID: tc.ID,
		})
		next.Steps = append(next.Steps, Step{
			StepIndex: st.StepIndex,
			Action:    actionFor(tc.Function.Name),
			Tool:      tc.Function.Name,
			Input:     tc.Function.Arguments,
			Output:    outputs[i],
		})
		emit.Emit(Event{Type: EventToolResult, Step: st.StepIndex, ToolResult: &ToolResult{
			CallID: tc.ID,
			Name:   tc.Function.Name,
			Output: outputs[i],
		}})
	}
	next.StepIndex++

	if next.StepIndex >= l.maxSteps {
		l.logger.Info("step budget exhausted", "step", next.StepIndex)
		return l.finish(next, OutcomeTruncated, emit), nil
	}
	next.Phase = PhasePlanning
	return next, nil
}

func (l *Loop) invoke(ctx context.Context, tc api.ToolCall) string {
	tool, ok := l.tools[tc.Function.Name]
	if !ok {
		return errorPayload(fmt.Errorf("unknown tool %q", tc.Function.Name))
	}
	out, err := tool.Invoke(ctx, tc.Function.Arguments)
	if err != nil {
		l.logger.Warn("tool failed", "tool", tc.Function.Name, "error", err)
		return errorPayload(err)
	}
	return out
}

func errorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func (l *Loop) finish(st State, outcome Outcome, emit Emitter) State {
	st.Phase = PhaseDone
	st.Outcome = outcome
	usage := st.Usage
	emit.Emit(Event{
		Type:     EventDone,
		Step:     st.StepIndex,
		Outcome:  outcome,
		Usage:    &usage,
		Text:     st.Text,
		Messages: st.Messages,
	})
	return st
}

// Run drives a turn to completion in a new goroutine. The channel is closed
// after a done or error event, or when ctx is cancelled.
func (l *Loop) Run(ctx context.Context, history []api.Message) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		emit := &chanEmitter{ctx: ctx, ch: events}

		st := NewState(history)
		for !st.Done() {
			var err error
			st, err = l.Advance(ctx, st, emit)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					l.logger.Debug("turn cancelled", "step", st.StepIndex)
					return
				}
				l.logger.Error("turn failed", "step", st.StepIndex, "error", err)
				emit.Emit(Event{Type: EventError, Step: st.StepIndex, Error: err.Error()})
				return
			}
		}
	}()
	return events
}

// chanEmitter forwards events to a channel until ctx is done.
type chanEmitter struct {
	ctx context.Context
	mu  sync.Mutex
	ch  chan<- Event
}

func (c *chanEmitter) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case c.ch <- e:
	case <-c.ctx.Done():
	}
}
