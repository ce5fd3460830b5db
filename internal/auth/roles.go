package auth

import (
	"context"
	"fmt"

	apperrors "github.com/restopos/kotsync/internal/errors"
)

// StaticResolver maps actor ids to fixed roles.
type StaticResolver map[string]string

// ResolveRole returns the configured role of actorID.
func (s StaticResolver) ResolveRole(_ context.Context, actorID string) (string, error) {
	if role, ok := s[actorID]; ok {
		return role, nil
	}
	return "", apperrors.New(apperrors.ErrPermission, fmt.Sprintf("unknown actor %q", actorID))
}

// ContextResolver resolves the role of the authenticated caller from the
// token claims in ctx. Actors other than the caller are looked up in
// Fallback when it is set.
type ContextResolver struct {
	Fallback StaticResolver
}

// ResolveRole returns the role of actorID.
func (c ContextResolver) ResolveRole(ctx context.Context, actorID string) (string, error) {
	if p, ok := PrincipalFrom(ctx); ok && p.Subject == actorID && p.Role != "" {
		return p.Role, nil
	}
	if c.Fallback != nil {
		return c.Fallback.ResolveRole(ctx, actorID)
	}
	return "", apperrors.New(apperrors.ErrPermission, fmt.Sprintf("no role for actor %q", actorID))
}
