// Package auth resolves admin API bearer tokens to named principals holding
// queue and event scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Scopes understood by the admin API. "*" grants everything.
const (
	ScopeAll         = "*"
	ScopeQueueRead   = "queue:ro"
	ScopeQueueWrite  = "queue:rw"
	ScopeEventsRead  = "events:ro"
	ScopeEventsWrite = "events:rw"
)

// AdminName names the principal behind the legacy api_key.
const AdminName = "admin"

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrMalformedHeader = errors.New("malformed Authorization header")
)

// implied lists the scopes a granted scope carries with it.
var implied = map[string][]string{
	ScopeQueueWrite:  {ScopeQueueRead},
	ScopeEventsWrite: {ScopeEventsRead},
}

// TokenConfig is a bearer token with a set of scopes. Name identifies the
// holder in logs and in the batches it enqueues.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// NewPrincipal builds a principal holding scopes plus everything they imply.
func NewPrincipal(name string, scopes ...string) Principal {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
		for _, extra := range implied[s] {
			set[extra] = struct{}{}
		}
	}
	return Principal{Name: name, scopes: set}
}

// Scopes returns the effective scopes, sorted.
func (p Principal) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether p holds any of required. No requirement allows all.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from "Authorization: Bearer <token>".
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: expected Bearer scheme", ErrMalformedHeader)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func tokenEqual(presented, configured string) bool {
	if presented == "" || configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate matches a presented token against the legacy api_key (admin,
// every scope) and then the scoped tokens. Unnamed tokens are named by their
// position, "token-1" onward.
func Authenticate(presented, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if tokenEqual(presented, legacyAPIKey) {
		return NewPrincipal(AdminName, ScopeAll), true
	}
	for i, t := range tokens {
		if !tokenEqual(presented, t.Token) {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		return NewPrincipal(name, t.Scopes...), true
	}
	return Principal{}, false
}

// KnownScope reports whether s is a scope the API checks.
func KnownScope(s string) bool {
	switch s {
	case ScopeAll, ScopeQueueRead, ScopeQueueWrite, ScopeEventsRead, ScopeEventsWrite:
		return true
	}
	return false
}
