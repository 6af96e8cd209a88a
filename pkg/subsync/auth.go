package subsync

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthenticated is returned when a caller credential is missing or rejected.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// IdentityProvider authenticates a caller credential (bearer token, session id)
// and yields a stable user id. Session issuance is out of scope here.
type IdentityProvider interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider.
type IdentityProviderFunc func(ctx context.Context, credential string) (*Identity, error)

func (f IdentityProviderFunc) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	return f(ctx, credential)
}

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated caller.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil && id.UserID != ""
}

// UserIDFromContext returns the caller's user id or "".
func UserIDFromContext(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.UserID
	}
	return ""
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
