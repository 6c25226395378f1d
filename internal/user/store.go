//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../../mocks/mock_user_store.go -package=mocks
package user

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("user: not found")

type Store interface {
	// Create persists u. A taken username or email is an apperr conflict.
	Create(ctx context.Context, u User) (User, error)
	ByEmail(ctx context.Context, email string) (User, error)
	ByID(ctx context.Context, id string) (User, error)
	// Search matches usernames containing query, skipping excludeID.
	Search(ctx context.Context, query, excludeID string, limit int) ([]User, error)
}
