// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient streams completions through the official OpenAI Go SDK.
// Any OpenAI-compatible backend works (OpenAI, Ollama, vLLM).
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a client for baseURL, or the OpenAI API when empty.
func NewOpenAIClient(baseURL, apiKey string, extra ...option.RequestOption) *OpenAIClient {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// local backends accept any key
	if apiKey == "" {
		apiKey = "dummy"
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	opts = append(opts, extra...)

	return &OpenAIClient{client: openai.NewClient(opts...)}
}

// convertMessages maps the transcript onto SDK message params.
func convertMessages(messages []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case RoleUser:
			result = append(result, openai.UserMessage(msg.Content))
		case RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			result = append(result, assistantParam(msg))
		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}
	return result, nil
}

// assistantParam keeps the tool calls of an assistant turn so the following
// tool messages can refer to them.
func assistantParam(msg Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openai.AssistantMessage(msg.Content)
	}
	p := &openai.ChatCompletionAssistantMessageParam{
		ToolCalls: make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls)),
	}
	for _, tc := range msg.ToolCalls {
		p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	if msg.Content != "" {
		p.Content.OfString = openai.String(msg.Content)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: p}
}

func toolParams(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			fn.Description = openai.String(t.Function.Description)
		}
		if t.Function.Parameters != nil {
			fn.Parameters = shared.FunctionParameters(t.Function.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

// streamParams builds the SDK request. Usage is always requested so the
// final chunk reports it.
func streamParams(req *ChatCompletionRequest, messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(req.Tools) == 0 {
		return params
	}
	params.Tools = toolParams(req.Tools)
	if req.ToolChoice != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(req.ToolChoice)}
	}
	if req.ParallelToolCalls {
		params.ParallelToolCalls = openai.Bool(true)
	}
	return params
}

// fromSDKChunk converts one streamed SDK chunk.
func fromSDKChunk(chunk openai.ChatCompletionChunk) StreamChunk {
	out := StreamChunk{
		ID:      chunk.ID,
		Model:   chunk.Model,
		Choices: make([]StreamDelta, 0, len(chunk.Choices)),
	}
	for _, choice := range chunk.Choices {
		d := StreamDelta{
			Index: int(choice.Index),
			Delta: MessageDelta{Role: string(choice.Delta.Role), Content: choice.Delta.Content},
		}
		for _, tc := range choice.Delta.ToolCalls {
			d.Delta.ToolCalls = append(d.Delta.ToolCalls, ToolCallDelta{
				Index:    int(tc.Index),
				ID:       tc.ID,
				Type:     string(tc.Type),
				Function: ToolCallFunctionDelta{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			d.FinishReason = &reason
		}
		out.Choices = append(out.Choices, d)
	}
	if chunk.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	return out
}

// CreateChatCompletionStream implements ChatCompletionClient.
func (c *OpenAIClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamChunk, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, streamParams(req, messages))
	chunks := make(chan StreamChunk, 10)

	go func() {
		defer close(chunks)
		defer stream.Close()

		send := func(chunk StreamChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			if !send(fromSDKChunk(stream.Current())) {
				return
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			send(StreamChunk{Err: fmt.Errorf("chat completion stream failed: %w", err)})
		}
	}()

	return chunks, nil
}
