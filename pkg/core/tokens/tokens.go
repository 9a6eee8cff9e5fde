// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokens estimates token counts for chat transcripts. It is used when
// a backend streams no usage and to cap tool output before it reaches the
// model.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
)

const (
	// per-message framing overhead used by chat models
	tokensPerMessage = 3
	// every reply is primed with the assistant header
	replyPriming = 3
	// used when no encoder can be loaded
	charsPerToken = 4
)

// Encoder is the subset of tiktoken used here.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// Counter caches one encoder per model. A model whose encoder cannot be
// loaded falls back to a characters-per-token heuristic.
type Counter struct {
	mu       sync.Mutex
	load     func(model string) (Encoder, error)
	encoders map[string]Encoder
}

// NewCounter returns a Counter backed by tiktoken. Unknown models use
// cl100k_base.
func NewCounter() *Counter {
	return newCounter(loadTiktoken)
}

func newCounter(load func(model string) (Encoder, error)) *Counter {
	return &Counter{load: load, encoders: make(map[string]Encoder)}
}

func loadTiktoken(model string) (Encoder, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return tkm, nil
}

// encoder returns the cached encoder for model, or nil when none is available.
// Load failures are cached too so a missing vocabulary is only fetched once.
func (c *Counter) encoder(model string) Encoder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	enc, err := c.load(model)
	if err != nil {
		enc = nil
	}
	c.encoders[model] = enc
	return enc
}

// Count returns the number of tokens in text.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (utf8.RuneCountInString(text) + charsPerToken - 1) / charsPerToken
}

// CountMessages returns the prompt size of messages including framing.
func (c *Counter) CountMessages(model string, messages []api.Message) int {
	n := replyPriming
	for _, m := range messages {
		n += tokensPerMessage
		n += c.Count(model, m.Role)
		n += c.Count(model, m.Content)
		for _, tc := range m.ToolCalls {
			n += c.Count(model, tc.Function.Name)
			n += c.Count(model, tc.Function.Arguments)
		}
	}
	return n
}

// Estimate builds a Usage for a completion the backend did not account for.
func (c *Counter) Estimate(model string, prompt []api.Message, completion string, calls []api.ToolCall) api.Usage {
	u := api.Usage{PromptTokens: c.CountMessages(model, prompt)}
	u.CompletionTokens = c.Count(model, completion)
	for _, tc := range calls {
		u.CompletionTokens += c.Count(model, tc.Function.Name) + c.Count(model, tc.Function.Arguments)
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// Truncate cuts text to at most maxTokens tokens. It reports whether anything
// was removed. maxTokens <= 0 disables the limit.
func (c *Counter) Truncate(model, text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || text == "" {
		return text, false
	}
	if enc := c.encoder(model); enc != nil {
		toks := enc.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text, false
		}
		return enc.Decode(toks[:maxTokens]), true
	}
	limit := maxTokens * charsPerToken
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	return string([]rune(text)[:limit]), true
}
