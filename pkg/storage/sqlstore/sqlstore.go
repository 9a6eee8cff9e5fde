// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements state.ChatStore on top of database/sql. The
// sqlite and postgres backends wrap it with their driver and dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/sqlutil"
)

// compile-time check
var _ state.ChatStore = (*Store)(nil)

// Store keeps chats in a chats table and their transcripts in chat_messages.
// Timestamps are unix milliseconds so both dialects share one schema.
type Store struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
}

// New creates the tables if needed. The store takes ownership of db.
func New(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (chat_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_position ON chat_messages(chat_id, position)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s chat store create tables: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// DB exposes the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertChat creates the chat or replaces its messages in one transaction.
func (s *Store) UpsertChat(ctx context.Context, p state.UpsertChatParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert chat begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UnixMilli()
	var owner string
	err = tx.QueryRowContext(ctx,
		s.dialect.Rebind(s.dialect.Locking(`SELECT user_id FROM chats WHERE id = ?`)), p.ChatID,
	).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			s.dialect.Rebind(`INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
			p.ChatID, p.UserID, p.Title, now, now,
		); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read chat: %w", err)
	case owner != p.UserID:
		return state.ErrChatNotFound
	default:
		if _, err := tx.ExecContext(ctx,
			s.dialect.Rebind(`UPDATE chats SET updated_at = ? WHERE id = ?`), now, p.ChatID,
		); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.dialect.Rebind(`DELETE FROM chat_messages WHERE chat_id = ?`), p.ChatID,
		); err != nil {
			return fmt.Errorf("delete old messages: %w", err)
		}
	}

	insert := s.dialect.Rebind(`INSERT INTO chat_messages
		(id, chat_id, position, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, m := range p.Messages {
		calls := ""
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = string(b)
		}
		id := m.ID
		if id == "" {
			id = state.MessageID(p.ChatID, i)
		}
		created := now
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, insert,
			id, p.ChatID, i+1, m.Role, m.Content, calls, m.ToolCallID, created,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert chat commit: %w", err)
	}
	return nil
}

// GetChat returns the chat with its ordered messages.
func (s *Store) GetChat(ctx context.Context, userID, chatID string) (*state.Chat, error) {
	var (
		chat             state.Chat
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?`),
		chatID, userID,
	).Scan(&chat.ID, &chat.UserID, &chat.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	chat.CreatedAt = time.UnixMilli(created)
	chat.UpdatedAt = time.UnixMilli(updated)

	chat.Messages, err = s.loadMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *Store) loadMessages(ctx context.Context, chatID string) ([]state.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT id, role, content, tool_calls, tool_call_id, created_at
			FROM chat_messages WHERE chat_id = ? ORDER BY position ASC`), chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	msgs := []state.Message{}
	for rows.Next() {
		var (
			m       state.Message
			calls   string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &calls, &m.ToolCallID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if calls != "" {
			var tc []api.ToolCall
			if err := json.Unmarshal([]byte(calls), &tc); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
			m.ToolCalls = tc
		}
		m.CreatedAt = time.UnixMilli(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetChats lists the user's chats, most recently updated first.
func (s *Store) GetChats(ctx context.Context, userID string) ([]state.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(`SELECT id, title, created_at, updated_at FROM chats
			WHERE user_id = ? ORDER BY updated_at DESC, id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := []state.ChatSummary{}
	for rows.Next() {
		var (
			c                state.ChatSummary
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created)
		c.UpdatedAt = time.UnixMilli(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
