// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ScriptedTurn is one canned model reply.
type ScriptedTurn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	// Err fails the stream after Text has been sent.
	Err error
}

// ScriptedClient replays turns in order, one per request, and records the
// requests it received. After the script runs out the last turn repeats.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	next     int
	requests []ChatCompletionRequest
}

// NewScriptedClient creates a client replaying turns.
func NewScriptedClient(turns ...ScriptedTurn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Requests returns copies of the requests seen so far.
func (s *ScriptedClient) Requests() []ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatCompletionRequest(nil), s.requests...)
}

func (s *ScriptedClient) take(req *ChatCompletionRequest) (ScriptedTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	cp.Messages = append([]Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	if len(s.turns) == 0 {
		return ScriptedTurn{}, errors.New("scripted client: no turns configured")
	}
	turn := s.turns[min(s.next, len(s.turns)-1)]
	s.next++
	return turn, nil
}

// CreateChatCompletionStream implements ChatCompletionClient.CreateChatCompletionStream.
// Text is streamed word by word and tool call arguments in two fragments.
func (s *ScriptedClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamChunk, error) {
	turn, err := s.take(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 10)
	go func() {
		defer close(chunks)
		send := func(c StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		words := strings.SplitAfter(turn.Text, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if !send(StreamChunk{Choices: []StreamDelta{{Delta: MessageDelta{Content: w}}}}) {
				return
			}
		}
		if turn.Err != nil {
			send(StreamChunk{Err: turn.Err})
			return
		}

		for i, tc := range turn.ToolCalls {
			half := len(tc.Function.Arguments) / 2
			first := ToolCallDelta{Index: i, ID: tc.ID, Type: "function", Function: ToolCallFunctionDelta{
				Name: tc.Function.Name, Arguments: tc.Function.Arguments[:half],
			}}
			second := ToolCallDelta{Index: i, Function: ToolCallFunctionDelta{Arguments: tc.Function.Arguments[half:]}}
			if !send(StreamChunk{Choices: []StreamDelta{{Delta: MessageDelta{ToolCalls: []ToolCallDelta{first}}}}}) {
				return
			}
			if !send(StreamChunk{Choices: []StreamDelta{{Delta: MessageDelta{ToolCalls: []ToolCallDelta{second}}}}}) {
				return
			}
		}

		finish := "stop"
		if len(turn.ToolCalls) > 0 {
			finish = "tool_calls"
		}
		usage := turn.Usage
		send(StreamChunk{Choices: []StreamDelta{{FinishReason: &finish}}, Usage: &usage})
	}()
	return chunks, nil
}
