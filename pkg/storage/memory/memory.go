// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is the in-process chat store. Chats are lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/provider"
)

func init() {
	state.Providers.Register("memory", func(_ context.Context, _ provider.Params) (state.ChatStore, error) {
		return New(), nil
	})
}

// compile-time check
var _ state.ChatStore = (*Store)(nil)

// Store is an in-memory implementation of state.ChatStore
type Store struct {
	mu    sync.RWMutex
	chats map[string]*state.Chat
	now   func() time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		chats: make(map[string]*state.Chat),
		now:   time.Now,
	}
}

// UpsertChat creates a chat or replaces its messages.
func (s *Store) UpsertChat(_ context.Context, p state.UpsertChatParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	chat, exists := s.chats[p.ChatID]
	if exists && chat.UserID != p.UserID {
		return state.ErrChatNotFound
	}
	if !exists {
		chat = &state.Chat{ID: p.ChatID, UserID: p.UserID, Title: p.Title, CreatedAt: now}
		s.chats[p.ChatID] = chat
	}
	chat.UpdatedAt = now
	chat.Messages = cloneMessages(p.Messages)
	return nil
}

// GetChat returns a copy of the chat.
func (s *Store) GetChat(_ context.Context, userID, chatID string) (*state.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, exists := s.chats[chatID]
	if !exists || chat.UserID != userID {
		return nil, state.ErrChatNotFound
	}
	out := *chat
	out.Messages = cloneMessages(chat.Messages)
	return &out, nil
}

// GetChats lists the user's chats, most recently updated first.
func (s *Store) GetChats(_ context.Context, userID string) ([]state.ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []state.ChatSummary{}
	for _, chat := range s.chats {
		if chat.UserID != userID {
			continue
		}
		out = append(out, state.ChatSummary{
			ID: chat.ID, Title: chat.Title, CreatedAt: chat.CreatedAt, UpdatedAt: chat.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneMessages(msgs []state.Message) []state.Message {
	out := make([]state.Message, len(msgs))
	for i, m := range msgs {
		m.ToolCalls = append(m.ToolCalls[:0:0], m.ToolCalls...)
		out[i] = m
	}
	return out
}
