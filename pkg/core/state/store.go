// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package state defines chat persistence. Backends live under pkg/storage and
// register themselves on Providers.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/provider"
)

// ErrChatNotFound is returned when a chat does not exist or belongs to
// another user. The two cases are indistinguishable to callers.
var ErrChatNotFound = errors.New("chat not found")

// ChatStore persists chats and their transcripts.
type ChatStore interface {
	// UpsertChat creates the chat or replaces all of its messages. The title
	// is only used on creation. Upserting another user's chat returns
	// ErrChatNotFound.
	UpsertChat(ctx context.Context, params UpsertChatParams) error
	// GetChat returns the chat with messages in order.
	GetChat(ctx context.Context, userID, chatID string) (*Chat, error)
	// GetChats lists the user's chats, most recently updated first, without
	// messages.
	GetChats(ctx context.Context, userID string) ([]ChatSummary, error)
	Close() error
}

// Providers holds the registered chat store backends.
var Providers = provider.NewRegistry[ChatStore]("chat_store")

// UpsertChatParams are the arguments of ChatStore.UpsertChat.
type UpsertChatParams struct {
	UserID   string
	ChatID   string
	Title    string
	Messages []Message
}

// Validate checks the required fields.
func (p UpsertChatParams) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("upsert chat: user id is required")
	}
	if p.ChatID == "" {
		return fmt.Errorf("upsert chat: chat id is required")
	}
	return nil
}

// Chat is a stored conversation.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatSummary is a chat without its messages.
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored transcript entry.
type Message struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []api.ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// MessageID is the stable id of the i-th message of a chat.
func MessageID(chatID string, i int) string {
	return fmt.Sprintf("%s-%d", chatID, i)
}

// FromAPI converts a model transcript into stored messages.
func FromAPI(chatID string, msgs []api.Message, now time.Time) []Message {
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		out = append(out, Message{
			ID:         MessageID(chatID, i),
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			CreatedAt:  now,
		})
	}
	return out
}

// ToAPI converts stored messages back into model messages.
func ToAPI(msgs []Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, api.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}
