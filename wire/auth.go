package wire

import (
	"context"
	"fmt"
	"strings"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the authenticated user/service ID.
	Subject string `json:"subject"`

	// Scopes defines what operations are permitted.
	// Examples: "job:write", "job:read", "subscribe", "*"
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope returns true if the identity has the given scope.
// A wildcard "*" scope grants all permissions.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = fmt.Errorf("wire: unauthorized")

// ── API Key authenticator ───────────────────────────

// APIKeyEntry maps a token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates API keys against a static list.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	keys := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		id := e.Identity
		keys[e.Token] = &id
	}
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts all tokens with a wildcard identity.
// Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Scopes:  []string{"*"},
	}, nil
}

// ── Scope constants ─────────────────────────────────

const (
	ScopeJobRead   = "job:read"
	ScopeJobWrite  = "job:write"
	ScopeSubscribe = "subscribe"
	ScopeStatsRead = "stats:read"
	ScopeAdmin     = "admin"
	ScopeAll       = "*"
)

// RequiredScope returns the minimum scope required for a wire method.
func RequiredScope(method string) string {
	switch {
	case method == MethodAuth:
		return "" // No scope needed for auth.
	case method == MethodJobGet, method == MethodSnapshot:
		return ScopeJobRead
	case strings.HasPrefix(method, "job."):
		return ScopeJobWrite
	case method == MethodSubscribe, method == MethodUnsubscribe:
		return ScopeSubscribe
	case method == MethodStats:
		return ScopeStatsRead
	default:
		return ScopeAdmin
	}
}
