// ABOUTME: HTTP middleware guarding admin endpoints with bearer JWTs
// ABOUTME: The verified operator id lands in the request context

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey struct{}

// OperatorFromContext returns the verified operator id, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(contextKey{}).(string)
	return op, ok
}

// extractBearerToken pulls the token out of an Authorization header.
// Returns the token and an error message (empty on success).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware returns an HTTP middleware that requires a valid admin JWT.
// A nil verifier closes the surface entirely.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				http.Error(w, `{"error":"admin api disabled"}`, http.StatusUnauthorized)
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			operatorID, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("admin token rejected", "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
