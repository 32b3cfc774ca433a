package auth

import (
	"context"
	"strings"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	BranchID string
}

type ctxKey string

const principalKey ctxKey = "auth_principal"

// ContextWithPrincipal stores the caller identity in the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	p.UserID = strings.TrimSpace(p.UserID)
	p.BranchID = strings.TrimSpace(p.BranchID)
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the authenticated principal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	return p.UserID, ok
}
