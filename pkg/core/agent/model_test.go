// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
)

func TestChatModel_PlanNextStep(t *testing.T) {
	client := api.NewScriptedClient(api.ScriptedTurn{
		Text: "Let me search. ",
		ToolCalls: []api.ToolCall{
			{Function: api.ToolCallFunction{Name: SearchToolName, Arguments: `{"query":"typescript latest"}`}},
		},
		Usage: api.Usage{PromptTokens: 40, CompletionTokens: 8, TotalTokens: 48},
	})
	m := NewChatModel(client, "gpt-test", nil)

	var deltas []string
	plan, err := m.PlanNextStep(context.Background(), PlanRequest{
		System:   "sys",
		Messages: []api.Message{{Role: api.RoleUser, Content: "hi"}},
		Tools:    []api.ToolFunction{{Name: SearchToolName}},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("PlanNextStep: %v", err)
	}

	if strings.Join(deltas, "") != "Let me search. " {
		t.Errorf("deltas = %q", deltas)
	}
	if len(plan.ToolCalls) != 1 || plan.ToolCalls[0].Function.Arguments != `{"query":"typescript latest"}` {
		t.Fatalf("tool calls = %+v", plan.ToolCalls)
	}
	if !strings.HasPrefix(plan.ToolCalls[0].ID, "call_") {
		t.Errorf("missing tool call id was not generated: %q", plan.ToolCalls[0].ID)
	}
	if plan.Usage.TotalTokens != 48 {
		t.Errorf("usage = %+v", plan.Usage)
	}

	req := client.Requests()[0]
	if req.Messages[0].Role != api.RoleSystem || req.Messages[0].Content != "sys" {
		t.Errorf("system message not prepended: %+v", req.Messages[0])
	}
	if len(req.Tools) != 1 || req.ToolChoice != "auto" {
		t.Errorf("tools not forwarded: %+v", req.Tools)
	}
}

func TestChatModel_StreamError(t *testing.T) {
	client := api.NewScriptedClient(api.ScriptedTurn{Text: "partial", Err: errors.New("connection reset")})
	m := NewChatModel(client, "gpt-test", nil)

	_, err := m.PlanNextStep(context.Background(), PlanRequest{}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v, want stream error", err)
	}
}

func TestChatModel_DrivesLoop(t *testing.T) {
	client := api.NewScriptedClient(
		api.ScriptedTurn{ToolCalls: []api.ToolCall{{ID: "c1", Function: api.ToolCallFunction{Name: SearchToolName, Arguments: `{}`}}}},
		api.ScriptedTurn{Text: "answer"},
	)
	tool := &countingTool{name: SearchToolName}
	l := NewLoop(NewChatModel(client, "m", nil), []Tool{tool})

	st, _ := runToDone(t, l, []api.Message{{Role: api.RoleUser, Content: "q"}})
	if st.Outcome != OutcomeCompleted || st.Text != "answer" {
		t.Errorf("state = %+v", st)
	}
	if tool.calls.Load() != 1 {
		t.Errorf("tool calls = %d", tool.calls.Load())
	}
	last := client.Requests()[1].Messages
	if last[len(last)-1].Role != api.RoleTool || last[len(last)-1].ToolCallID != "c1" {
		t.Errorf("tool result not sent back: %+v", last[len(last)-1])
	}
}
