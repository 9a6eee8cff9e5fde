// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/tokens"
)

// ChatModel plans steps with a streaming chat-completions backend.
type ChatModel struct {
	client  api.ChatCompletionClient
	model   string
	counter *tokens.Counter
}

// NewChatModel creates a ChatModel. counter estimates usage when the backend
// reports none; it may be nil.
func NewChatModel(client api.ChatCompletionClient, model string, counter *tokens.Counter) *ChatModel {
	return &ChatModel{client: client, model: model, counter: counter}
}

// PlanNextStep implements Model.
func (m *ChatModel) PlanNextStep(ctx context.Context, req PlanRequest, onText func(string)) (*Plan, error) {
	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: api.RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	creq := &api.ChatCompletionRequest{
		Model:    m.model,
		Messages: messages,
	}
	if len(req.Tools) > 0 {
		creq.ToolChoice = "auto"
		creq.ParallelToolCalls = true
		for _, t := range req.Tools {
			creq.Tools = append(creq.Tools, api.Tool{Type: "function", Function: t})
		}
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	acc := api.NewToolCallAccumulator()
	var usage *api.Usage
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if onText != nil {
					onText(choice.Delta.Content)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.Add(tc)
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	// the stream closes early on cancellation
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	calls := acc.ToolCalls()
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if calls[i].Function.Name == "" {
			return nil, errors.New("model returned a tool call without a name")
		}
	}

	plan := &Plan{Text: text.String(), ToolCalls: calls}
	switch {
	case usage != nil:
		plan.Usage = *usage
	case m.counter != nil:
		plan.Usage = m.counter.Estimate(m.model, messages, plan.Text, calls)
	}
	return plan, nil
}
