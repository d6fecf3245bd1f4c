package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/auth"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

type contextKey string

// UserContextKey carries the authenticated *models.User.
const UserContextKey contextKey = "user"

// AuthMiddleware resolves bearer tokens to accounts for the REST surface.
type AuthMiddleware struct {
	tokens *auth.Manager
	store  store.Store
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokens *auth.Manager, st store.Store) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, store: st}
}

// RequireUser verifies the Authorization bearer token, loads the account,
// and places it in the request context.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			jsonError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		userID, err := m.tokens.VerifyToken(token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := m.store.UserByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				jsonError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			jsonError(w, http.StatusInternalServerError, "database error")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext retrieves the authenticated user from the request
// context, or nil outside authenticated routes.
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
