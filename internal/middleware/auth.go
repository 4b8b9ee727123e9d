package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	userKey     contextKey = "user_id"
	usernameKey contextKey = "username"
)

// TokenValidator is what we need from the user service. The interface keeps
// this package decoupled from it; the verifier itself is an external
// collaborator as far as the realtime core is concerned.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (int, string, error)
}

type Auth struct {
	validator TokenValidator
}

func NewAuth(v TokenValidator) *Auth {
	return &Auth{validator: v}
}

// Handle authenticates the bearer credential. Browsers cannot set headers on
// a WebSocket handshake, so a ?token= query parameter is accepted as a
// fallback. A missing or invalid credential terminates the request here: the
// connection never reaches the registry and leaves no partial state.
func (a *Auth) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := a.validator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, userID)
		ctx = context.WithValue(ctx, usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identity pulls the authenticated user out of a request context.
func Identity(ctx context.Context) (userID int, username string, ok bool) {
	userID, ok1 := ctx.Value(userKey).(int)
	username, ok2 := ctx.Value(usernameKey).(string)
	return userID, username, ok1 && ok2
}
