// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Extracts the bearer token and adds the tenant id to the request context

package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken returns the bearer token, falling back to the "token" query
// parameter for websocket upgrades where browsers cannot set headers.
func requestToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware rejects requests without a valid token and binds the tenant id
// to the request context.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			tenantID, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}

// TenantFromRequest is a convenience for handlers that take *http.Request.
func TenantFromRequest(r *http.Request) (string, bool) {
	return TenantFromContext(r.Context())
}
