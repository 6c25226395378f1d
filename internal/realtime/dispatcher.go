package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/chat"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultSendBuffer = 256
	DefaultEventRate  = 20
	DefaultEventBurst = 40
	opTimeout         = 10 * time.Second
)

type Verifier interface {
	VerifyAccess(raw string) (string, error)
}

type UserLookup interface {
	UserByID(ctx context.Context, id string) (chat.User, error)
}

// Dispatcher turns authenticated connections into sessions and routes their
// events to the chat core. It also fans out REST writes, so it doubles as
// the chat.Notifier.
type Dispatcher struct {
	verifier   Verifier
	users      UserLookup
	membership *chat.Membership
	ledger     *chat.Ledger
	registry   *Registry
	publisher  Publisher
	log        *slog.Logger
	sendBuffer int
	eventRate  rate.Limit
	eventBurst int
}

type Option func(*Dispatcher)

// WithEventRate caps inbound events per connection. Frames over the limit
// are rejected, not queued.
func WithEventRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 && burst > 0 {
			d.eventRate = rate.Limit(perSecond)
			d.eventBurst = burst
		}
	}
}

func WithSendBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sendBuffer = n
		}
	}
}

func NewDispatcher(
	verifier Verifier,
	users UserLookup,
	membership *chat.Membership,
	ledger *chat.Ledger,
	registry *Registry,
	publisher Publisher,
	log *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		verifier:   verifier,
		users:      users,
		membership: membership,
		ledger:     ledger,
		registry:   registry,
		publisher:  publisher,
		log:        log,
		sendBuffer: DefaultSendBuffer,
		eventRate:  DefaultEventRate,
		eventBurst: DefaultEventBurst,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ chat.Notifier = (*Dispatcher)(nil)

// Connect authenticates a handshake credential and returns a live session
// already subscribed to the user's personal group.
func (d *Dispatcher) Connect(ctx context.Context, rawToken string) (*Session, error) {
	s := d.NewSession()
	if err := s.Authenticate(ctx, rawToken); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Dispatcher) authenticate(ctx context.Context, rawToken string) (chat.User, error) {
	if rawToken == "" {
		return chat.User{}, apperr.Unauthenticated("Unauthorized")
	}
	userID, err := d.verifier.VerifyAccess(rawToken)
	if err != nil {
		return chat.User{}, err
	}
	if _, err := uuid.Parse(userID); err != nil {
		return chat.User{}, apperr.Unauthenticated("Unauthorized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	user, err := d.users.UserByID(ctx, userID)
	if errors.Is(err, chat.ErrNoRows) {
		return chat.User{}, apperr.Unauthenticated("Unauthorized")
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// MessageCreated delivers message:new to every connection in the
// conversation group, the sender's included.
func (d *Dispatcher) MessageCreated(ctx context.Context, m chat.Message) {
	d.publish(ctx, conversationGroup(m.ConversationID), EventMessageNew, m, "")
}

// ConversationCreated announces a new conversation on each member's
// personal group.
func (d *Dispatcher) ConversationCreated(ctx context.Context, c chat.Conversation) {
	for _, member := range c.Members {
		d.publish(ctx, personalGroup(member.ID), EventConversationNew, c, "")
	}
}

func (d *Dispatcher) publish(ctx context.Context, group, name string, data any, exceptUser string) {
	ev, err := NewEvent(name, data)
	if err != nil {
		d.log.Error("encode event", "event", name, "error", err)
		return
	}

	// The write already committed; the fan-out must not be cut short by the
	// caller going away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	b := Broadcast{Group: group, Event: ev, ExceptUser: exceptUser}
	if err := d.publisher.Publish(ctx, b); err != nil {
		// Other instances miss this one; connections held here still get it.
		d.log.Error("publish event, delivering locally", "event", name, "group", group, "error", err)
		d.registry.Broadcast(b.Group, b.Event, b.options()...)
	}
}

// Shutdown disconnects every live connection.
func (d *Dispatcher) Shutdown() {
	n := d.registry.Len()
	d.registry.DisconnectAll()
	d.log.Info("realtime connections closed", "count", n)
}
