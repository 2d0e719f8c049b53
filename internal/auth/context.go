// Package auth resolves and carries the identity of the caller.
package auth

import "context"

type userKey struct{}

// WithUser returns a context carrying the caller's user ID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the caller's user ID, or "" when none is attached.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}
