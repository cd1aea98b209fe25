package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const userIDKey contextKey = "edgegate.userID"

// WithUserID records the authenticated user on the request context so later
// middleware keys quota by user rather than by address.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromCtx returns the authenticated user ID, or "" for anonymous
// requests.
func UserIDFromCtx(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}

// Identity returns the rate-limit identity for a request: the authenticated
// user when present, the client address otherwise.
func Identity(r *http.Request) string {
	if userID := UserIDFromCtx(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r)
}
