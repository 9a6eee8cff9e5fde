// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/storage/storagetest"
)

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("CHAT_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres chat store conformance tests: CHAT_POSTGRES_DSN must be set")
	}

	storagetest.RunConformanceTests(t, func(t *testing.T) state.ChatStore {
		ctx := context.Background()
		s, err := New(ctx, dsn)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		// each sub-test expects an empty database
		for _, stmt := range []string{`DELETE FROM chat_messages`, `DELETE FROM chats`} {
			if _, err := s.DB().ExecContext(ctx, stmt); err != nil {
				t.Fatalf("reset: %v", err)
			}
		}
		return s
	})
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := state.Providers.New(context.Background(), "postgres", nil); err == nil {
		t.Fatal("expected error without dsn")
	}
}
