// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite is the embedded KV backend built on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/kv/sqlkv"
	"github.com/leseb/deepsearch-gw/pkg/provider"
	"github.com/leseb/deepsearch-gw/pkg/sqlutil"
)

func init() {
	kv.Providers.Register("sqlite", func(ctx context.Context, params provider.Params) (kv.Store, error) {
		path := params.Get("path")
		if path == "" {
			path = params.Get("dsn")
		}
		schedule := params.Get("sweep_schedule")
		if schedule == "" {
			schedule = "@every 5m"
		}
		return New(ctx, path, schedule)
	})
}

// New opens the database at path (":memory:" when empty).
func New(ctx context.Context, path, sweepSchedule string) (*sqlkv.Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	s, err := sqlkv.New(ctx, db, sqlutil.Sqlite, sweepSchedule)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
