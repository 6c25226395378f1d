package chat

import (
	"context"
	"fmt"

	"go-dm/internal/apperr"
)

// MembershipStore is the part of Store the oracle needs.
type MembershipStore interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// Membership answers "is this user in this conversation". It never caches:
// every call is one read against the store, so a revoked member is refused
// on their very next operation.
type Membership struct {
	store MembershipStore
}

func NewMembership(store MembershipStore) *Membership {
	return &Membership{store: store}
}

func (m *Membership) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if !validID(conversationID) || !validID(userID) {
		return false, nil
	}
	ok, err := m.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return ok, nil
}

// AssertMember returns an apperr.ErrForbidden error unless userID belongs to
// conversationID. Store failures are returned as-is (wrapped).
func (m *Membership) AssertMember(ctx context.Context, conversationID, userID string) error {
	ok, err := m.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("Forbidden")
	}
	return nil
}
