// Package auth authenticates API callers by static bearer token and decides
// which projects they may act on.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/domain"
)

// allProjects grants access to every project.
const allProjects = "*"

// Principal is an authenticated caller.
type Principal struct {
	Name     string
	all      bool
	projects map[uuid.UUID]struct{}
}

// CanAccess reports whether the principal may act on projectID.
func (p *Principal) CanAccess(projectID uuid.UUID) bool {
	if p == nil {
		return false
	}
	if p.all {
		return true
	}
	_, ok := p.projects[projectID]
	return ok
}

// IsAdmin reports whether the principal may act on every project.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.all
}

type credential struct {
	digest    [sha256.Size]byte
	principal *Principal
}

// Authorizer resolves bearer tokens to principals.
type Authorizer struct {
	creds []credential
}

// NewAuthorizer builds an Authorizer from configured tokens. Project entries
// that are neither "*" nor a UUID are ignored.
func NewAuthorizer(tokens []config.AuthToken) *Authorizer {
	a := &Authorizer{creds: make([]credential, 0, len(tokens))}
	for _, t := range tokens {
		p := &Principal{Name: t.Principal, projects: make(map[uuid.UUID]struct{})}
		for _, proj := range t.Projects {
			if proj == allProjects {
				p.all = true
				continue
			}
			if id, err := uuid.Parse(proj); err == nil {
				p.projects[id] = struct{}{}
			}
		}
		a.creds = append(a.creds, credential{digest: sha256.Sum256([]byte(t.Token)), principal: p})
	}
	return a
}

// Authenticate returns the principal owning token. Every configured token is
// compared so that timing does not reveal which one matched.
func (a *Authorizer) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(token))
	var found *Principal
	for i := range a.creds {
		if subtle.ConstantTimeCompare(digest[:], a.creds[i].digest[:]) == 1 {
			found = a.creds[i].principal
		}
	}
	if found == nil {
		return nil, domain.ErrUnauthorized
	}
	return found, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Anonymous is the principal used when authentication is disabled.
func Anonymous() *Principal {
	return &Principal{Name: "anonymous", all: true}
}
