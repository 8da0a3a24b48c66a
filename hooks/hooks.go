// Package hooks defines the external script-hook interfaces consulted during
// token minting. Hooks are untrusted, potentially slow collaborators: every
// call takes a context for deadline enforcement, and every gate is
// fail-closed (a hook that errors or returns false vetoes the operation).
package hooks

import (
	"context"
	"time"
)

// TokenContext is the read-only view of a mint operation passed to hooks.
type TokenContext struct {
	GrantID   string
	GrantType string
	ClientID  string
	UserID    string
	Scopes    []string
	TokenType string
}

// UpdateTokenHook gates token issuance. MayIssue is a "may I proceed" check
// invoked after a token is built but before it is handed to the caller.
// OverrideLifetime may substitute the token lifetime; ok=false leaves the
// computed lifetime untouched.
type UpdateTokenHook interface {
	MayIssue(ctx context.Context, tc *TokenContext) (bool, error)
	OverrideLifetime(ctx context.Context, tc *TokenContext) (lifetime time.Duration, ok bool)
}

// ModifyTokenHook injects or overrides claims on JWT-format tokens before
// signing. Returned values are merged over the computed claim set.
type ModifyTokenHook interface {
	ModifyClaims(ctx context.Context, tc *TokenContext, claims map[string]any) (map[string]any, error)
}

// Allowed evaluates an UpdateTokenHook fail-closed: a nil hook allows, an
// erroring hook denies.
func Allowed(ctx context.Context, h UpdateTokenHook, tc *TokenContext) bool {
	if h == nil {
		return true
	}
	ok, err := h.MayIssue(ctx, tc)
	if err != nil {
		return false
	}
	return ok
}
