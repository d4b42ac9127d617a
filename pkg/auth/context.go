// Package auth verifies bearer tokens against a JWKS endpoint and carries
// the caller's identity through the request context.
package auth

import "context"

type contextKey string

const userIDKey contextKey = "auth.user_id"

// DevUserID is the identity every request gets when verification is
// disabled.
const DevUserID = "dev"

// WithUserID returns a context carrying the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the authenticated user from the context. Empty means the
// request never passed the middleware.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
