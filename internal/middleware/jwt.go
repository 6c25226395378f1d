package myMiddleware

import (
	"context"
	"net/http"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
)

// 1. Define Context Keys (Exported so other packages can read them)
type contextKey string

const UserKey contextKey = "user_id"

// 2. Define what we need from the token service
// This interface decouples 'middleware' from 'auth'
type TokenValidator interface {
	VerifyAccess(raw string) (string, error)
}

// 3. The Middleware Structure
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// 4. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := am.validator.VerifyAccess(auth.AccessTokenFromRequest(r))
		if err != nil {
			apperr.Write(w, apperr.Unauthenticated("Unauthorized"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserKey, userID)
}

// UserID returns the authenticated user injected by Handle.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}
