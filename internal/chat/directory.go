package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-dm/internal/apperr"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

// createTimeout bounds one shared find-or-create run.
const createTimeout = 10 * time.Second

// Directory resolves the single direct conversation between two users,
// creating it on first contact.
//
// Uniqueness per pair is enforced by the store through the pair key; a
// create that loses the race gets ErrDuplicatePair and re-reads the winner.
// Identical calls in flight in this process are collapsed first so the
// store only sees one create per pair.
type Directory struct {
	store  Store
	log    *slog.Logger
	flight singleflight.Group
	now    func() time.Time
}

type resolved struct {
	conversation Conversation
	created      bool
}

func NewDirectory(store Store, log *slog.Logger) *Directory {
	return &Directory{store: store, log: log, now: time.Now}
}

// GetOrCreate returns the direct conversation between userID and the
// recipient. created is true only for the call that inserted it.
func (d *Directory) GetOrCreate(ctx context.Context, userID string, to Recipient) (c Conversation, created bool, err error) {
	recipient, err := d.resolveRecipient(ctx, userID, to)
	if err != nil {
		return Conversation{}, false, err
	}

	caller, err := d.store.UserByID(ctx, userID)
	if errors.Is(err, ErrNoRows) {
		return Conversation{}, false, apperr.Unauthenticated("Unauthorized")
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("load caller: %w", err)
	}

	key := PairKey(caller.ID, recipient.ID)
	leader := false
	ch := d.flight.DoChan(key, func() (interface{}, error) {
		leader = true
		// Shared by every caller waiting on this pair, so it must not end
		// with the request that happened to start it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		return d.findOrCreate(fctx, caller, recipient, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Conversation{}, false, res.Err
		}
		r := res.Val.(resolved)
		// Followers of a collapsed call did not create anything themselves.
		return r.conversation, r.created && leader, nil
	case <-ctx.Done():
		return Conversation{}, false, ctx.Err()
	}
}

func (d *Directory) resolveRecipient(ctx context.Context, userID string, to Recipient) (User, error) {
	var (
		u   User
		err error
	)
	switch {
	case to.UserID != "":
		if to.UserID == userID {
			return User{}, ErrInvalidRecipient
		}
		if !validID(to.UserID) {
			return User{}, ErrRecipientNotFound
		}
		u, err = d.store.UserByID(ctx, to.UserID)
	case strings.TrimSpace(to.Username) != "":
		u, err = d.store.UserByUsername(ctx, strings.TrimSpace(to.Username))
	default:
		return User{}, apperr.InvalidInput("recipientUserId or recipientUsername is required")
	}

	if errors.Is(err, ErrNoRows) {
		return User{}, ErrRecipientNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("resolve recipient: %w", err)
	}
	if u.ID == userID {
		return User{}, ErrInvalidRecipient
	}
	return u, nil
}

func (d *Directory) findOrCreate(ctx context.Context, caller, recipient User, key string) (resolved, error) {
	existing, ok, err := d.findDirect(ctx, caller.ID, recipient.ID)
	if err != nil {
		return resolved{}, err
	}
	if ok {
		return resolved{conversation: existing}, nil
	}

	now := d.now().UTC().Truncate(time.Microsecond)
	c := Conversation{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Members:   []User{caller, recipient},
	}

	err = d.store.CreateDirectConversation(ctx, c, key)
	if errors.Is(err, ErrDuplicatePair) {
		// Another instance won the race, hand back its conversation.
		d.log.Debug("direct conversation create lost race", "pair", key)
		existing, ok, err = d.findDirect(ctx, caller.ID, recipient.ID)
		if err != nil {
			return resolved{}, err
		}
		if !ok {
			return resolved{}, fmt.Errorf("pair %s conflicted but no conversation found", key)
		}
		return resolved{conversation: existing}, nil
	}
	if err != nil {
		return resolved{}, fmt.Errorf("create conversation: %w", err)
	}

	d.log.Info("direct conversation created", "conversation", c.ID, "pair", key)
	return resolved{conversation: c, created: true}, nil
}

// findDirect scans the caller's conversations for the one whose member set
// is exactly {a, b}.
func (d *Directory) findDirect(ctx context.Context, a, b string) (Conversation, bool, error) {
	conversations, err := d.store.ConversationsForUser(ctx, a)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("list conversations: %w", err)
	}

	c, ok := lo.Find(conversations, func(c Conversation) bool {
		return len(c.Members) == 2 &&
			lo.ContainsBy(c.Members, func(m User) bool { return m.ID == a }) &&
			lo.ContainsBy(c.Members, func(m User) bool { return m.ID == b })
	})
	return c, ok, nil
}

// List returns the user's conversations, most recently active first.
func (d *Directory) List(ctx context.Context, userID string) ([]Conversation, error) {
	conversations, err := d.store.ConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if conversations == nil {
		conversations = []Conversation{}
	}
	return conversations, nil
}
