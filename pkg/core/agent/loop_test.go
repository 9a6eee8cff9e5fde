// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
)

// scriptedModel returns plans from a function and records each request.
type scriptedModel struct {
	mu       sync.Mutex
	requests []PlanRequest
	next     func(call int, req PlanRequest) (*Plan, error)
}

func (m *scriptedModel) PlanNextStep(_ context.Context, req PlanRequest, onText func(string)) (*Plan, error) {
	m.mu.Lock()
	call := len(m.requests)
	req.Messages = append([]api.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	plan, err := m.next(call, req)
	if err != nil {
		return nil, err
	}
	for _, w := range strings.SplitAfter(plan.Text, " ") {
		onText(w)
	}
	return plan, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// countingTool echoes its arguments after an optional delay.
type countingTool struct {
	name  string
	delay time.Duration
	calls atomic.Int32
	err   error
}

func (t *countingTool) Definition() api.ToolFunction {
	return api.ToolFunction{Name: t.name, Parameters: map[string]any{"type": "object"}}
}

func (t *countingTool) Invoke(ctx context.Context, args string) (string, error) {
	t.calls.Add(1)
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.err != nil {
		return "", t.err
	}
	return t.name + ":" + args, nil
}

func toolCall(id, name, args string) api.ToolCall {
	return api.ToolCall{ID: id, Type: "function", Function: api.ToolCallFunction{Name: name, Arguments: args}}
}

func runToDone(t *testing.T, l *Loop, history []api.Message) (State, []Event) {
	t.Helper()
	var events []Event
	st := NewState(history)
	for i := 0; !st.Done(); i++ {
		if i > 100 {
			t.Fatal("loop did not terminate")
		}
		var err error
		st, err = l.Advance(context.Background(), st, EmitterFunc(func(e Event) { events = append(events, e) }))
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	return st, events
}

func TestLoop_AlwaysToolsTruncatesAtMaxSteps(t *testing.T) {
	search := &countingTool{name: SearchToolName}
	model := &scriptedModel{next: func(call int, _ PlanRequest) (*Plan, error) {
		return &Plan{
			ToolCalls: []api.ToolCall{toolCall(fmt.Sprintf("c%d", call), SearchToolName, `{"query":"q"}`)},
			Usage:     api.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
		}, nil
	}}
	l := NewLoop(model, []Tool{search})

	st, events := runToDone(t, l, []api.Message{{Role: api.RoleUser, Content: "q"}})

	if st.Outcome != OutcomeTruncated {
		t.Errorf("Outcome = %q, want truncated", st.Outcome)
	}
	if st.StepIndex != DefaultMaxSteps {
		t.Errorf("StepIndex = %d, want %d", st.StepIndex, DefaultMaxSteps)
	}
	if model.calls() != DefaultMaxSteps {
		t.Errorf("planning calls = %d, want %d", model.calls(), DefaultMaxSteps)
	}
	if got := search.calls.Load(); got != DefaultMaxSteps {
		t.Errorf("tool invocations = %d, want %d", got, DefaultMaxSteps)
	}
	if st.Usage.TotalTokens != 3*DefaultMaxSteps {
		t.Errorf("usage total = %d, want %d", st.Usage.TotalTokens, 3*DefaultMaxSteps)
	}

	last := events[len(events)-1]
	if last.Type != EventDone || last.Outcome != OutcomeTruncated {
		t.Errorf("last event = %+v, want truncated done", last)
	}
	for _, s := range st.Steps {
		if s.Action != ActionSearch {
			t.Errorf("step action = %q, want search", s.Action)
		}
	}
}

func TestLoop_ImmediateAnswer(t *testing.T) {
	search := &countingTool{name: SearchToolName}
	model := &scriptedModel{next: func(int, PlanRequest) (*Plan, error) {
		return &Plan{Text: "Go 1.25 is current."}, nil
	}}
	l := NewLoop(model, []Tool{search}, WithSystemPrompt(func() string { return "be helpful" }))

	st, events := runToDone(t, l, []api.Message{{Role: api.RoleUser, Content: "latest go?"}})

	if st.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %q, want completed", st.Outcome)
	}
	if model.calls() != 1 {
		t.Errorf("planning calls = %d, want 1", model.calls())
	}
	if search.calls.Load() != 0 {
		t.Errorf("tool invocations = %d, want 0", search.calls.Load())
	}
	if st.Text != "Go 1.25 is current." {
		t.Errorf("Text = %q", st.Text)
	}
	if len(st.Steps) != 1 || st.Steps[0].Action != ActionAnswer {
		t.Errorf("Steps = %+v, want one answer step", st.Steps)
	}
	if model.requests[0].System != "be helpful" {
		t.Errorf("system prompt not passed: %q", model.requests[0].System)
	}

	var streamed strings.Builder
	for _, e := range events {
		if e.Type == EventTextDelta {
			streamed.WriteString(e.Delta)
		}
	}
	if streamed.String() != st.Text {
		t.Errorf("streamed %q, want %q", streamed.String(), st.Text)
	}
	done := events[len(events)-1]
	if done.Type != EventDone || len(done.Messages) != 2 {
		t.Errorf("done event = %+v, want transcript of 2 messages", done)
	}
}

func TestLoop_ToolResultsAppendedInCallOrder(t *testing.T) {
	slow := &countingTool{name: SearchToolName, delay: 40 * time.Millisecond}
	fast := &countingTool{name: ScrapeToolName}
	model := &scriptedModel{next: func(call int, _ PlanRequest) (*Plan, error) {
		if call == 0 {
			return &Plan{ToolCalls: []api.ToolCall{
				toolCall("a", SearchToolName, `{"query":"x"}`),
				toolCall("b", ScrapeToolName, `{"urls":[]}`),
			}}, nil
		}
		return &Plan{Text: "done"}, nil
	}}
	l := NewLoop(model, []Tool{slow, fast})

	st, events := runToDone(t, l, []api.Message{{Role: api.RoleUser, Content: "x"}})

	second := model.requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("second planning saw %d messages, want 4", len(second))
	}
	if second[2].ToolCallID != "a" || second[3].ToolCallID != "b" {
		t.Errorf("tool messages out of order: %q, %q", second[2].ToolCallID, second[3].ToolCallID)
	}
	if second[2].Content != `searchWeb:{"query":"x"}` {
		t.Errorf("tool output not appended verbatim: %q", second[2].Content)
	}

	var results []string
	for _, e := range events {
		if e.Type == EventToolResult {
			results = append(results, e.ToolResult.CallID)
		}
	}
	if strings.Join(results, ",") != "a,b" {
		t.Errorf("tool-result events = %v, want [a b]", results)
	}
	if st.StepIndex != 1 || st.Outcome != OutcomeCompleted {
		t.Errorf("StepIndex = %d, Outcome = %q", st.StepIndex, st.Outcome)
	}
}

func TestLoop_ToolFailuresReachTheModel(t *testing.T) {
	broken := &countingTool{name: SearchToolName, err: errors.New("quota exceeded")}
	model := &scriptedModel{next: func(call int, _ PlanRequest) (*Plan, error) {
		if call == 0 {
			return &Plan{ToolCalls: []api.ToolCall{
				toolCall("a", SearchToolName, `{}`),
				toolCall("b", "launchRocket", `{}`),
			}}, nil
		}
		return &Plan{Text: "sorry"}, nil
	}}
	l := NewLoop(model, []Tool{broken})

	st, _ := runToDone(t, l, nil)

	msgs := model.requests[1].Messages
	if msgs[1].Content != `{"error":"quota exceeded"}` {
		t.Errorf("tool error payload = %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[2].Content, "unknown tool") {
		t.Errorf("unknown tool payload = %q", msgs[2].Content)
	}
	if st.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %q", st.Outcome)
	}
}

func TestLoop_WithMaxSteps(t *testing.T) {
	model := &scriptedModel{next: func(call int, _ PlanRequest) (*Plan, error) {
		return &Plan{Text: "thinking ", ToolCalls: []api.ToolCall{toolCall("c", SearchToolName, "{}")}}, nil
	}}
	l := NewLoop(model, []Tool{&countingTool{name: SearchToolName}}, WithMaxSteps(2))

	st, _ := runToDone(t, l, nil)
	if st.StepIndex != 2 || st.Outcome != OutcomeTruncated {
		t.Errorf("StepIndex = %d, Outcome = %q", st.StepIndex, st.Outcome)
	}
	if st.Text != "thinking thinking " {
		t.Errorf("partial text = %q", st.Text)
	}
}

func TestAdvance_CancelledContext(t *testing.T) {
	model := &scriptedModel{next: func(int, PlanRequest) (*Plan, error) { return &Plan{}, nil }}
	l := NewLoop(model, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := NewState(nil)
	got, err := l.Advance(ctx, st, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got.Phase != PhasePlanning || model.calls() != 0 {
		t.Error("cancelled Advance must not call the model")
	}
}

func TestAdvance_DoesNotShareSteps(t *testing.T) {
	l := NewLoop(&scriptedModel{next: func(int, PlanRequest) (*Plan, error) { return &Plan{}, nil }}, nil)

	steps := make([]Step, 1, 4)
	steps[0] = Step{Action: ActionSearch, Tool: "searchWeb"}
	prior := NewState(nil)
	prior.Phase = PhaseAnswering
	prior.Steps = steps

	first := prior
	first.Text = "answer"
	a, err := l.Advance(context.Background(), first, nil)
	if err != nil {
		t.Fatal(err)
	}
	second := prior
	second.Text = "other"
	b, err := l.Advance(context.Background(), second, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(a.Steps) != 2 || a.Steps[1].Output != "answer" {
		t.Errorf("first result steps = %+v", a.Steps)
	}
	if len(b.Steps) != 2 || b.Steps[1].Output != "other" {
		t.Errorf("second result steps = %+v", b.Steps)
	}
	if len(prior.Steps) != 1 || steps[:2][1] != (Step{}) {
		t.Error("Advance wrote into the prior state's steps")
	}
}

func TestRun_ModelErrorEmitsErrorEvent(t *testing.T) {
	model := &scriptedModel{next: func(int, PlanRequest) (*Plan, error) {
		return nil, errors.New("upstream 500")
	}}
	l := NewLoop(model, nil)

	var got []Event
	for e := range l.Run(context.Background(), []api.Message{{Role: api.RoleUser, Content: "hi"}}) {
		got = append(got, e)
	}
	if len(got) != 1 || got[0].Type != EventError || !strings.Contains(got[0].Error, "upstream 500") {
		t.Fatalf("events = %+v, want one error event", got)
	}
}

func TestRun_StreamsUntilDone(t *testing.T) {
	model := &scriptedModel{next: func(call int, _ PlanRequest) (*Plan, error) {
		if call == 0 {
			return &Plan{ToolCalls: []api.ToolCall{toolCall("a", SearchToolName, "{}")}}, nil
		}
		return &Plan{Text: "see [Go](https://go.dev)"}, nil
	}}
	l := NewLoop(model, []Tool{&countingTool{name: SearchToolName}})

	var types []EventType
	for e := range l.Run(context.Background(), nil) {
		types = append(types, e.Type)
	}
	want := []EventType{EventToolCall, EventToolResult, EventTextDelta, EventTextDelta, EventDone}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("event types = %v, want %v", types, want)
	}
}
