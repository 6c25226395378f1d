package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-dm/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	MaxContentLength = 2000
	DefaultPageSize  = 20
	MaxPageSize      = 50
)

// Ledger is the append-only message history of every conversation.
type Ledger struct {
	store      Store
	membership *Membership
	validate   *validator.Validate
	now        func() time.Time
}

func NewLedger(store Store, membership *Membership) *Ledger {
	return &Ledger{
		store:      store,
		membership: membership,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// Append stores a message from senderID and returns it with the sender
// resolved. Nothing is written unless the sender is a member and the trimmed
// content is 1..2000 characters.
func (l *Ledger) Append(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	if err := l.membership.AssertMember(ctx, conversationID, senderID); err != nil {
		return Message{}, err
	}

	content = strings.TrimSpace(content)
	if err := l.validate.Var(content, fmt.Sprintf("min=1,max=%d", MaxContentLength)); err != nil {
		return Message{}, apperr.InvalidInput(fmt.Sprintf("content must be between 1 and %d characters", MaxContentLength))
	}

	sender, err := l.store.UserByID(ctx, senderID)
	if err != nil {
		return Message{}, fmt.Errorf("load sender: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	m := Message{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Sender:         Sender{ID: sender.ID, Username: sender.Username},
		Content:        content,
		// Postgres keeps microseconds; the cursor must round-trip exactly.
		CreatedAt: l.now().UTC().Truncate(time.Microsecond),
	}

	if err := l.store.AppendMessage(ctx, m); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// Page returns up to limit messages newest-first, continuing strictly after
// cursor (a message id from a previous page). limit 0 means DefaultPageSize.
func (l *Ledger) Page(ctx context.Context, conversationID, requesterID, cursor string, limit int) (Page, error) {
	if err := l.membership.AssertMember(ctx, conversationID, requesterID); err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	var after *Cursor
	if cursor != "" {
		if !validID(cursor) {
			return Page{}, apperr.InvalidInput("invalid cursor")
		}
		c, err := l.store.MessageCursor(ctx, conversationID, cursor)
		if errors.Is(err, ErrNoRows) {
			return Page{}, apperr.InvalidInput("invalid cursor")
		}
		if err != nil {
			return Page{}, fmt.Errorf("resolve cursor: %w", err)
		}
		after = &c
	}

	// One extra row tells us whether another page exists.
	messages, err := l.store.ListMessages(ctx, conversationID, after, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}

	page := Page{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.NextCursor = page.Messages[limit-1].ID
	}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	return page, nil
}

func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultPageSize
	case limit < 1:
		return 1
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
