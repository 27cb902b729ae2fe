// Package auth carries the already-authenticated actor identity into the
// engine. The engine never authenticates; it trusts the Principal the host
// layer attaches to the request context and scopes every query by its org.
package auth

import (
	"context"
	"errors"
)

// ErrNoPrincipal is returned when an operation is invoked without an
// authenticated actor on the context.
var ErrNoPrincipal = errors.New("auth: no principal in context")

// Principal is any entity invoking an engine operation (user, integration,
// system job).
type Principal interface {
	GetID() string
	GetOrgID() string
	GetRoles() []string
}

// Actor is a plain Principal implementation.
type Actor struct {
	ID    string
	OrgID string
	Roles []string
}

func (a *Actor) GetID() string      { return a.ID }
func (a *Actor) GetOrgID() string   { return a.OrgID }
func (a *Actor) GetRoles() []string { return a.Roles }

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, ErrNoPrincipal
	}
	return p, nil
}
