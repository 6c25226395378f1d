package chat

import (
	"context"
	"errors"
	"strings"

	"go-dm/internal/apperr"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecipient  = &apperr.Error{Kind: apperr.ErrInvalidInput, Msg: "Cannot create a conversation with yourself"}
	ErrRecipientNotFound = &apperr.Error{Kind: apperr.ErrNotFound, Msg: "Recipient not found"}

	// ErrNoRows is returned by a Store when a lookup matches nothing.
	ErrNoRows = errors.New("chat: no rows")
	// ErrDuplicatePair is returned by CreateDirectConversation when another
	// conversation already owns the pair key.
	ErrDuplicatePair = &apperr.Error{Kind: apperr.ErrConflict, Msg: "direct conversation already exists"}
)

// Store is the durable collaborator behind the chat core. Every method is a
// single round trip or a single transaction.
type Store interface {
	UserByID(ctx context.Context, id string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)

	IsMember(ctx context.Context, conversationID, userID string) (bool, error)

	// ConversationsForUser returns every conversation userID belongs to with
	// its full member list, most recently active first.
	ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error)
	// CreateDirectConversation inserts c and its members atomically. pairKey
	// is unique across conversations.
	CreateDirectConversation(ctx context.Context, c Conversation, pairKey string) error

	// AppendMessage inserts m and bumps its conversation's updated_at in one transaction.
	AppendMessage(ctx context.Context, m Message) error
	MessageCursor(ctx context.Context, conversationID, messageID string) (Cursor, error)
	// ListMessages returns up to limit messages ordered (created_at desc, id desc),
	// strictly after the cursor when one is given.
	ListMessages(ctx context.Context, conversationID string, after *Cursor, limit int) ([]Message, error)
}

// PairKey is the natural key of the direct conversation between a and b,
// independent of argument order.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func validID(id string) bool {
	if id == "" || strings.TrimSpace(id) != id {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
