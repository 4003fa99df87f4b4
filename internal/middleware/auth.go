package middleware

import (
	"context"
	"net/http"
	"strings"
)

// userRoleKey is the context key for the authenticated user's role.
type userRoleKey struct{}

// SetUserRole stores the authenticated user's role in the context.
func SetUserRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, userRoleKey{}, role)
}

// GetUserRole retrieves the role from context. Returns empty string if not present.
func GetUserRole(ctx context.Context) string {
	if role, ok := ctx.Value(userRoleKey{}).(string); ok {
		return role
	}
	return ""
}

// TokenValidator validates a bearer token and returns the subject (user id)
// and role it carries.
type TokenValidator interface {
	ValidateSubject(token string) (userID, role string, err error)
}

// Auth extracts and validates the Authorization bearer token, storing the
// user id and role in the request context for downstream handlers.
//
// Requests without a token (or with an invalid one) are passed through with
// an empty user id; handlers that require authentication reject them.
// Failing open here keeps unauthenticated routes (webhooks, health) on the
// same middleware chain.
func Auth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
				if userID, role, err := validator.ValidateSubject(token); err == nil {
					ctx := SetUserID(r.Context(), userID)
					ctx = SetUserRole(ctx, role)
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
