// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides a shared conformance test suite for
// state.ChatStore implementations. Each backend should call
// RunConformanceTests from its own _test.go file.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
)

func messages(chatID string, contents ...string) []state.Message {
	out := make([]state.Message, 0, len(contents))
	for i, c := range contents {
		role := api.RoleUser
		if i%2 == 1 {
			role = api.RoleAssistant
		}
		out = append(out, state.Message{
			ID:        state.MessageID(chatID, i),
			Role:      role,
			Content:   c,
			CreatedAt: time.Now(),
		})
	}
	return out
}

// RunConformanceTests exercises a ChatStore implementation against the shared
// contract. The newStore function is called once per sub-test to provide an
// isolated store instance.
func RunConformanceTests(t *testing.T, newStore func(t *testing.T) state.ChatStore) {
	t.Helper()

	t.Run("UpsertCreatesChat", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "u1", ChatID: "c1", Title: "What is Go...", Messages: messages("c1", "What is Go?", "A language."),
		})
		if err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}

		chat, err := store.GetChat(ctx, "u1", "c1")
		if err != nil {
			t.Fatalf("GetChat: %v", err)
		}
		if chat.ID != "c1" || chat.UserID != "u1" || chat.Title != "What is Go..." {
			t.Errorf("unexpected chat: %+v", chat)
		}
		if len(chat.Messages) != 2 || chat.Messages[0].Content != "What is Go?" || chat.Messages[1].Role != api.RoleAssistant {
			t.Errorf("unexpected messages: %+v", chat.Messages)
		}
		if chat.CreatedAt.IsZero() || chat.UpdatedAt.IsZero() {
			t.Error("timestamps should be set")
		}
	})

	t.Run("UpsertReplacesMessagesKeepsTitle", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "u1", ChatID: "c1", Title: "first", Messages: messages("c1", "a", "b", "c"),
		}); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}
		if err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "u1", ChatID: "c1", Title: "second", Messages: messages("c1", "x", "y"),
		}); err != nil {
			t.Fatalf("second UpsertChat: %v", err)
		}

		chat, err := store.GetChat(ctx, "u1", "c1")
		if err != nil {
			t.Fatalf("GetChat: %v", err)
		}
		if chat.Title != "first" {
			t.Errorf("title = %q, want the original", chat.Title)
		}
		if len(chat.Messages) != 2 || chat.Messages[0].Content != "x" || chat.Messages[1].Content != "y" {
			t.Errorf("messages not replaced: %+v", chat.Messages)
		}
	})

	t.Run("OwnershipEnforced", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		if err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "owner", ChatID: "c1", Title: "t", Messages: messages("c1", "hi"),
		}); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}

		err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "intruder", ChatID: "c1", Title: "t", Messages: messages("c1", "mine now"),
		})
		if !errors.Is(err, state.ErrChatNotFound) {
			t.Errorf("foreign upsert err = %v, want ErrChatNotFound", err)
		}
		if _, err := store.GetChat(ctx, "intruder", "c1"); !errors.Is(err, state.ErrChatNotFound) {
			t.Errorf("foreign get err = %v, want ErrChatNotFound", err)
		}

		chat, err := store.GetChat(ctx, "owner", "c1")
		if err != nil {
			t.Fatalf("GetChat: %v", err)
		}
		if chat.Messages[0].Content != "hi" {
			t.Errorf("foreign upsert modified the chat: %+v", chat.Messages)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		if _, err := store.GetChat(context.Background(), "u1", "nope"); !errors.Is(err, state.ErrChatNotFound) {
			t.Errorf("err = %v, want ErrChatNotFound", err)
		}
	})

	t.Run("GetChatsOrderedByUpdate", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		for _, id := range []string{"older", "newer"} {
			if err := store.UpsertChat(ctx, state.UpsertChatParams{
				UserID: "u1", ChatID: id, Title: id, Messages: messages(id, "q"),
			}); err != nil {
				t.Fatalf("UpsertChat(%s): %v", id, err)
			}
			time.Sleep(15 * time.Millisecond)
		}
		if err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "u2", ChatID: "other", Title: "other", Messages: messages("other", "q"),
		}); err != nil {
			t.Fatalf("UpsertChat(other): %v", err)
		}

		chats, err := store.GetChats(ctx, "u1")
		if err != nil {
			t.Fatalf("GetChats: %v", err)
		}
		if len(chats) != 2 || chats[0].ID != "newer" || chats[1].ID != "older" {
			t.Fatalf("GetChats = %+v, want [newer older]", chats)
		}

		// touching the older chat moves it to the front
		if err := store.UpsertChat(ctx, state.UpsertChatParams{
			UserID: "u1", ChatID: "older", Messages: messages("older", "q", "a"),
		}); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}
		chats, err = store.GetChats(ctx, "u1")
		if err != nil {
			t.Fatalf("GetChats: %v", err)
		}
		if chats[0].ID != "older" {
			t.Errorf("GetChats after update = %+v, want older first", chats)
		}
	})

	t.Run("GetChatsEmpty", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		chats, err := store.GetChats(context.Background(), "nobody")
		if err != nil {
			t.Fatalf("GetChats: %v", err)
		}
		if chats == nil || len(chats) != 0 {
			t.Errorf("GetChats = %#v, want empty non-nil slice", chats)
		}
	})

	t.Run("ToolCallsRoundTrip", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()
		ctx := context.Background()

		msgs := []state.Message{
			{ID: "c1-0", Role: api.RoleUser, Content: "latest typescript?"},
			{ID: "c1-1", Role: api.RoleAssistant, ToolCalls: []api.ToolCall{{
				ID: "call_1", Type: "function",
				Function: api.ToolCallFunction{Name: "searchWeb", Arguments: `{"query":"typescript"}`},
			}}},
			{ID: "c1-2", Role: api.RoleTool, Content: `[{"title":"TS"}]`, ToolCallID: "call_1"},
		}
		if err := store.UpsertChat(ctx, state.UpsertChatParams{UserID: "u1", ChatID: "c1", Title: "t", Messages: msgs}); err != nil {
			t.Fatalf("UpsertChat: %v", err)
		}

		chat, err := store.GetChat(ctx, "u1", "c1")
		if err != nil {
			t.Fatalf("GetChat: %v", err)
		}
		if len(chat.Messages) != 3 {
			t.Fatalf("got %d messages", len(chat.Messages))
		}
		tc := chat.Messages[1].ToolCalls
		if len(tc) != 1 || tc[0].Function.Arguments != `{"query":"typescript"}` {
			t.Errorf("tool calls lost: %+v", tc)
		}
		if chat.Messages[2].ToolCallID != "call_1" {
			t.Errorf("tool call id lost: %+v", chat.Messages[2])
		}
	})

	t.Run("InvalidParams", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		if err := store.UpsertChat(context.Background(), state.UpsertChatParams{ChatID: "c1"}); err == nil {
			t.Error("expected error without user id")
		}
	})
}
