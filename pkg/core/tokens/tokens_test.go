// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"errors"
	"strings"
	"testing"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
)

// wordEncoder treats every space-separated word as one token.
type wordEncoder struct{}

func (wordEncoder) Encode(text string, _, _ []string) []int {
	words := strings.Fields(text)
	out := make([]int, len(words))
	for i := range words {
		out[i] = i
	}
	return out
}

func (wordEncoder) Decode(tokens []int) string {
	return strings.Repeat("w ", len(tokens))
}

func TestCount_Heuristic(t *testing.T) {
	loads := 0
	c := newCounter(func(string) (Encoder, error) {
		loads++
		return nil, errors.New("offline")
	})

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		if got := c.Count("m", tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
	if loads != 1 {
		t.Errorf("encoder loaded %d times, want 1", loads)
	}
}

func TestEstimate(t *testing.T) {
	c := newCounter(func(string) (Encoder, error) { return wordEncoder{}, nil })

	prompt := []api.Message{
		{Role: api.RoleSystem, Content: "be brief"},
		{Role: api.RoleUser, Content: "what is go"},
	}
	u := c.Estimate("m", prompt, "a language", []api.ToolCall{
		{Function: api.ToolCallFunction{Name: "searchWeb", Arguments: `{"query": "go"}`}},
	})

	// 3 priming + 2*(3 framing + 1 role) + 2 + 3 content
	if u.PromptTokens != 16 {
		t.Errorf("PromptTokens = %d, want 16", u.PromptTokens)
	}
	// 2 text + 1 name + 2 argument words
	if u.CompletionTokens != 5 {
		t.Errorf("CompletionTokens = %d, want 5", u.CompletionTokens)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("TotalTokens = %d", u.TotalTokens)
	}
}

func TestTruncate(t *testing.T) {
	t.Run("encoder", func(t *testing.T) {
		c := newCounter(func(string) (Encoder, error) { return wordEncoder{}, nil })
		out, cut := c.Truncate("m", "one two three four", 2)
		if !cut || out != "w w " {
			t.Errorf("Truncate = %q, %v", out, cut)
		}
		out, cut = c.Truncate("m", "one two", 2)
		if cut || out != "one two" {
			t.Errorf("Truncate under limit = %q, %v", out, cut)
		}
	})

	t.Run("heuristic", func(t *testing.T) {
		c := newCounter(func(string) (Encoder, error) { return nil, errors.New("offline") })
		out, cut := c.Truncate("m", strings.Repeat("x", 10), 2)
		if !cut || out != "xxxxxxxx" {
			t.Errorf("Truncate = %q, %v", out, cut)
		}
		if _, cut := c.Truncate("m", "xx", 0); cut {
			t.Error("maxTokens 0 must not truncate")
		}
	})
}
