// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite is the embedded chat store built on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/provider"
	"github.com/leseb/deepsearch-gw/pkg/sqlutil"
	"github.com/leseb/deepsearch-gw/pkg/storage/sqlstore"
)

func init() {
	state.Providers.Register("sqlite", func(ctx context.Context, params provider.Params) (state.ChatStore, error) {
		path := params.Get("path")
		if path == "" {
			path = params.Get("dsn")
		}
		return New(ctx, path)
	})
}

// New opens the database at path (":memory:" when empty).
func New(ctx context.Context, path string) (*sqlstore.Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	s, err := sqlstore.New(ctx, db, sqlutil.Sqlite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
