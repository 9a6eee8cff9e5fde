// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"sort"
	"strings"
)

// ToolCallAccumulator merges streamed tool-call fragments by index.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
	args  map[int]*strings.Builder
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		calls: make(map[int]*ToolCall),
		args:  make(map[int]*strings.Builder),
	}
}

// Add folds one delta into the call at its index.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	tc, ok := a.calls[d.Index]
	if !ok {
		tc = &ToolCall{Type: "function"}
		a.calls[d.Index] = tc
		a.args[d.Index] = &strings.Builder{}
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Type != "" {
		tc.Type = d.Type
	}
	if d.Function.Name != "" {
		tc.Function.Name += d.Function.Name
	}
	a.args[d.Index].WriteString(d.Function.Arguments)
}

// Len returns the number of distinct calls seen.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// ToolCalls returns the assembled calls ordered by stream index.
func (a *ToolCallAccumulator) ToolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		tc := *a.calls[i]
		tc.Function.Arguments = a.args[i].String()
		out = append(out, tc)
	}
	return out
}
