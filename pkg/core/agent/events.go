// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "github.com/leseb/deepsearch-gw/pkg/core/api"

// EventType names an output frame.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// ToolResult is the payload returned to the model for one tool call.
type ToolResult struct {
	CallID string `json:"toolCallId"`
	Name   string `json:"toolName"`
	Output string `json:"result"`
}

// Event is one frame of a streamed turn.
type Event struct {
	Type       EventType     `json:"type"`
	Step       int           `json:"step"`
	Delta      string        `json:"textDelta,omitempty"`
	ToolCall   *api.ToolCall `json:"toolCall,omitempty"`
	ToolResult *ToolResult   `json:"toolResult,omitempty"`
	Outcome    Outcome       `json:"finishReason,omitempty"`
	Usage      *api.Usage    `json:"usage,omitempty"`
	Text       string        `json:"text,omitempty"`
	Error      string        `json:"error,omitempty"`

	// Messages is the final transcript, set on done frames only.
	Messages []api.Message `json:"-"`
}

// Emitter receives events as the loop advances.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
