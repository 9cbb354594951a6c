package hubtest

import (
	"context"
	"net/http"
	"strings"

	"go-chat-client/internal/credential"
)

type contextKey string

const identityKey contextKey = "identity"

type TokenValidator interface {
	ValidateToken(tokenString string) (credential.Identity, error)
}

// authMiddleware reads the bearer token from the Authorization header, falling
// back to the access_token query parameter websocket clients use.
func authMiddleware(v TokenValidator, required func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""
			if parts := strings.Split(r.Header.Get("Authorization"), " "); len(parts) == 2 {
				tokenString = parts[1]
			}
			if tokenString == "" {
				tokenString = r.URL.Query().Get("access_token")
			}

			if tokenString == "" {
				if required() {
					http.Error(w, "Missing authentication token", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id, err := v.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
		})
	}
}

func identityFrom(ctx context.Context) (credential.Identity, bool) {
	id, ok := ctx.Value(identityKey).(credential.Identity)
	return id, ok
}
