package grant

import (
	"github.com/janssen-go/jans-auth/hooks"
	"github.com/janssen-go/jans-auth/storage"
)

// ExecutionContext is the request-scoped aggregate threaded through grant
// operations. It is created fresh per request and discarded afterwards;
// nothing in it is persisted.
type ExecutionContext struct {
	Client *storage.Client
	User   *storage.User
	Grant  *Grant

	// SessionDN references the authenticating session, when one exists.
	SessionDN string

	// DPoPJkt is the thumbprint of the validated DPoP proof key for this
	// request. Minted tokens are bound to it.
	DPoPJkt string

	// X5tS256 is the SHA-256 hash of the client's TLS certificate for
	// certificate-bound tokens.
	X5tS256 string

	// Per-request hook overrides. Nil falls back to the registry's hooks.
	UpdateTokenHook hooks.UpdateTokenHook
	ModifyTokenHook hooks.ModifyTokenHook

	// Attributes carries endpoint-specific extras hooks may consult.
	Attributes map[string]string
}

// NewExecutionContext creates a context for the given client.
func NewExecutionContext(client *storage.Client) *ExecutionContext {
	return &ExecutionContext{Client: client}
}

func (ec *ExecutionContext) updateHook(fallback hooks.UpdateTokenHook) hooks.UpdateTokenHook {
	if ec != nil && ec.UpdateTokenHook != nil {
		return ec.UpdateTokenHook
	}
	return fallback
}

func (ec *ExecutionContext) modifyHook(fallback hooks.ModifyTokenHook) hooks.ModifyTokenHook {
	if ec != nil && ec.ModifyTokenHook != nil {
		return ec.ModifyTokenHook
	}
	return fallback
}
