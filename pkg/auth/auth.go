// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves the caller of an HTTP request to a user identity.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no valid credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is an authenticated caller.
type Identity struct {
	UserID string
}

// Authenticator resolves the identity of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Tokens authenticates static bearer tokens.
type Tokens struct {
	// keyed by sha256 of the token so lookups compare fixed-size digests
	users map[[sha256.Size]byte]string
}

// ParseTokens reads "token:user" pairs separated by commas, the format of
// the AUTH_TOKENS setting.
func ParseTokens(spec string) (*Tokens, error) {
	t := &Tokens{users: make(map[[sha256.Size]byte]string)}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("auth: invalid token entry %q, want token:user", pair)
		}
		t.users[sha256.Sum256([]byte(token))] = user
	}
	return t, nil
}

// Len returns the number of configured tokens.
func (t *Tokens) Len() int { return len(t.users) }

// Authenticate implements Authenticator.
func (t *Tokens) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	sum := sha256.Sum256([]byte(token))
	for digest, user := range t.users {
		if subtle.ConstantTimeCompare(digest[:], sum[:]) == 1 {
			return Identity{UserID: user}, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

// bearerToken extracts the token from the Authorization header, or from the
// access_token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Anonymous authenticates every request as the same user. Used when no
// tokens are configured.
type Anonymous struct {
	UserID string
}

// Authenticate implements Authenticator.
func (a Anonymous) Authenticate(*http.Request) (Identity, error) {
	return Identity{UserID: a.UserID}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity in the request context.
func Middleware(a Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized")) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
