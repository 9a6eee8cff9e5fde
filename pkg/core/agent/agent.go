// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the step-bounded tool-calling loop. The loop is a
// state machine advanced synchronously by Loop.Advance; Loop.Run drives it to
// completion and turns emitted events into a channel.
package agent

import (
	"context"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
)

// DefaultMaxSteps bounds the number of tool-executing steps in one turn.
const DefaultMaxSteps = 10

// Model plans the next step of a turn. Text produced while planning is passed
// to onText as it streams; a Plan without tool calls is the final answer.
type Model interface {
	PlanNextStep(ctx context.Context, req PlanRequest, onText func(delta string)) (*Plan, error)
}

// PlanRequest is what the model sees for one planning step.
type PlanRequest struct {
	System   string
	Messages []api.Message
	Tools    []api.ToolFunction
}

// Plan is the model's decision for one step.
type Plan struct {
	Text      string
	ToolCalls []api.ToolCall
	Usage     api.Usage
}

// Tool is a function the model may call. Invoke returns the payload handed
// back to the model verbatim. Failures the model should see are encoded in
// the payload; a returned error is reported to the model as an error object.
type Tool interface {
	Definition() api.ToolFunction
	Invoke(ctx context.Context, arguments string) (string, error)
}

// Phase is the position of a turn in the state machine.
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseToolExecuting Phase = "tool_executing"
	PhaseAnswering     Phase = "answering"
	PhaseDone          Phase = "done"
)

// Outcome describes how a finished turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeTruncated means the step budget ran out before the model
	// produced a final answer. It is a normal terminal state.
	OutcomeTruncated Outcome = "truncated"
)

// Action is the kind of work a step performed.
type Action string

const (
	ActionSearch Action = "search"
	ActionScrape Action = "scrape"
	ActionAnswer Action = "answer"
)

// Step records one tool invocation or the final answer.
type Step struct {
	StepIndex int    `json:"stepIndex"`
	Action    Action `json:"action"`
	Tool      string `json:"tool,omitempty"`
	Input     string `json:"input"`
	Output    string `json:"output"`
}

// State is the full state of one turn. It is a value: Advance returns the
// next state and never mutates shared data.
type State struct {
	Phase     Phase
	StepIndex int
	Messages  []api.Message
	// Pending holds the tool calls chosen by the last planning step.
	Pending []api.ToolCall
	Steps   []Step
	// Text is everything streamed to the caller so far.
	Text    string
	Usage   api.Usage
	Outcome Outcome
}

// NewState starts a turn from the conversation history.
func NewState(history []api.Message) State {
	return State{
		Phase:    PhasePlanning,
		Messages: append([]api.Message(nil), history...),
	}
}

// Done reports whether the turn reached a terminal state.
func (s State) Done() bool { return s.Phase == PhaseDone }

// actionFor maps a tool name to the step action it represents.
func actionFor(tool string) Action {
	switch tool {
	case SearchToolName:
		return ActionSearch
	case ScrapeToolName:
		return ActionScrape
	default:
		return Action(tool)
	}
}

// Tool names understood by actionFor.
const (
	SearchToolName = "searchWeb"
	ScrapeToolName = "scrapePages"
)
