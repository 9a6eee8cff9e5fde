// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens(" alpha:alice , beta:bob,")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if tokens.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tokens.Len())
	}

	for _, bad := range []string{"alpha", ":alice", "alpha:"} {
		if _, err := ParseTokens(bad); err == nil {
			t.Errorf("ParseTokens(%q) should fail", bad)
		}
	}
}

func TestTokens_Authenticate(t *testing.T) {
	tokens, _ := ParseTokens("alpha:alice,beta:bob")

	tests := []struct {
		name     string
		header   string
		query    string
		wantUser string
		wantErr  bool
	}{
		{name: "bearer", header: "Bearer beta", wantUser: "bob"},
		{name: "case-insensitive scheme", header: "bearer alpha", wantUser: "alice"},
		{name: "query token", query: "?access_token=alpha", wantUser: "alice"},
		{name: "unknown token", header: "Bearer gamma", wantErr: true},
		{name: "basic scheme", header: "Basic YWxwaGE=", wantErr: true},
		{name: "missing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/chats"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			id, err := tokens.Authenticate(r)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Errorf("err = %v, want ErrUnauthenticated", err)
				}
				return
			}
			if err != nil || id.UserID != tt.wantUser {
				t.Errorf("Authenticate = %+v, %v; want %s", id, err, tt.wantUser)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	tokens, _ := ParseTokens("alpha:alice")
	var seen Identity
	h := Middleware(tokens, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer alpha")
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent || seen.UserID != "alice" {
		t.Errorf("status = %d, identity = %+v", rec.Code, seen)
	}
}

func TestAnonymous(t *testing.T) {
	id, err := Anonymous{UserID: "local"}.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || id.UserID != "local" {
		t.Errorf("Anonymous = %+v, %v", id, err)
	}
}
