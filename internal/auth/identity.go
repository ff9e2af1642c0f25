package auth

import "context"

// Identity represents the authenticated caller of the team API.
type Identity struct {
	UserID   string // "sub" claim
	Email    string
	Role     string // platform role claim (default "user"), not a team role
	TeamID   string // team the token is bound to, empty for plain provider tokens
	TeamRole string
}

type contextKey struct{}

// WithIdentity stores an Identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns nil if no identity is set.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
