// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlutil holds the SQL dialect differences shared by the sqlite and
// postgres backends of the KV and chat stores.
package sqlutil

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Name string
	// BlobType is the column type for binary values (BLOB, BYTEA).
	BlobType string
	// Numbered selects $1-style placeholders instead of ?.
	Numbered bool
	// RowLock is appended to reads inside read-modify-write transactions
	// ("FOR UPDATE" on postgres).
	RowLock string
}

// Sqlite and Postgres are the supported dialects.
var (
	Sqlite   = Dialect{Name: "sqlite", BlobType: "BLOB"}
	Postgres = Dialect{Name: "postgres", BlobType: "BYTEA", Numbered: true, RowLock: "FOR UPDATE"}
)

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Locking appends the row lock clause to a SELECT when the dialect has one.
func (d Dialect) Locking(query string) string {
	if d.RowLock == "" {
		return query
	}
	return query + " " + d.RowLock
}
