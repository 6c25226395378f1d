package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/chat"
	"go-dm/internal/logging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credential joins the personal group", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)

		s := f.dispatcher.NewSession()
		req.Equal(StateConnecting, s.State())
		req.Nil(s.Conn())

		req.NoError(s.Authenticate(ctx, f.token(t, f.alice)))
		req.Equal(StateAuthenticated, s.State())
		req.Equal(f.alice.ID, s.Conn().UserID)
		req.Equal("alice", s.Conn().Username)
		req.True(s.Conn().InGroup(personalGroup(f.alice.ID)))
		req.Equal(1, f.registry.Len())

		req.ErrorIs(s.Authenticate(ctx, f.token(t, f.alice)), ErrBadTransition)

		s.Close()
		req.Equal(StateClosed, s.State())
		req.Zero(f.registry.Len())
		req.Empty(f.registry.Members(personalGroup(f.alice.ID)))
		s.Close()
	})

	t.Run("rejected credentials close the session", func(t *testing.T) {
		f := newFixture(t)
		ghost, err := f.tokens.IssueAccess(uuid.NewString())
		require.NoError(t, err)
		refresh, err := f.tokens.IssueRefresh(f.alice.ID)
		require.NoError(t, err)
		notUUID, err := f.tokens.IssueAccess("42")
		require.NoError(t, err)

		for name, tok := range map[string]string{
			"missing":       "",
			"garbage":       "not.a.jwt",
			"refresh token": refresh,
			"unknown user":  ghost,
			"non-uuid id":   notUUID,
		} {
			t.Run(name, func(t *testing.T) {
				s := f.dispatcher.NewSession()
				err := s.Authenticate(ctx, tok)
				require.ErrorIs(t, err, apperr.ErrUnauthenticated)
				require.Equal(t, StateClosed, s.State())
				require.ErrorIs(t, s.Authenticate(ctx, f.token(t, f.alice)), ErrSessionClosed)
			})
		}
		require.Zero(t, f.registry.Len())
	})

	t.Run("store failure is not an auth failure", func(t *testing.T) {
		f := newFixture(t)
		tok := f.token(t, f.alice)
		f.store.SetFail(context.DeadlineExceeded)

		_, err := f.dispatcher.Connect(ctx, tok)
		require.Error(t, err)
		require.Equal(t, 500, apperr.Status(err))
	})
}

// slowUsers holds user lookups until released.
type slowUsers struct {
	*chat.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (u *slowUsers) UserByID(ctx context.Context, id string) (chat.User, error) {
	close(u.entered)
	<-u.release
	return u.MemoryStore.UserByID(ctx, id)
}

func TestCloseDuringAuthenticate(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	users := &slowUsers{MemoryStore: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(f.tokens, users, chat.NewMembership(f.store), f.ledger, f.registry, NewLocalPublisher(f.registry), logging.Discard())

	tok := f.token(t, f.alice)
	s := d.NewSession()
	authErr := make(chan error, 1)
	go func() { authErr <- s.Authenticate(context.Background(), tok) }()
	<-users.entered

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind the user lookup")
	}
	req.Equal(StateClosed, s.State())

	close(users.release)
	req.ErrorIs(<-authErr, ErrSessionClosed)
	req.Nil(s.Conn())
	req.Zero(f.registry.Len())
}

func TestHandleAfterClose(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, f.alice)
	s.Close()

	err := s.Handle(context.Background(), []byte(`{"event":"conversation:join","data":"x"}`))
	require.ErrorIs(t, err, ErrSessionClosed)

	unauth := f.dispatcher.NewSession()
	require.ErrorIs(t, unauth.Handle(context.Background(), []byte(`{}`)), ErrSessionClosed)
}

func TestJoin(t *testing.T) {
	t.Run("member joins and is acknowledged", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)
		s := f.connect(t, f.alice)

		emit(t, s, EventJoin, c.ID)
		ev := next(t, s)
		req.Equal(EventJoined, ev.Name)
		req.Equal(c.ID, decode[ConversationRef](t, ev).ConversationID)
		req.True(s.Conn().InGroup(conversationGroup(c.ID)))

		// Joining again is harmless.
		emit(t, s, EventJoin, c.ID)
		req.Equal(EventJoined, next(t, s).Name)
		req.Len(f.registry.Members(conversationGroup(c.ID)), 1)
	})

	t.Run("outsider is refused", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)
		s := f.connect(t, f.carol)

		for _, id := range []string{c.ID, uuid.NewString(), "not-a-uuid"} {
			emit(t, s, EventJoin, id)
			ev := next(t, s)
			req.Equal(EventConversationErr, ev.Name)
			req.Equal(ConversationError{ConversationID: id, Message: "Forbidden"}, decode[ConversationError](t, ev))
			req.False(s.Conn().InGroup(conversationGroup(id)))
		}
	})

	t.Run("store failure is a generic error", func(t *testing.T) {
		f := newFixture(t)
		c := f.conversation(t, f.alice, f.bob)
		s := f.connect(t, f.alice)
		f.store.SetFail(context.DeadlineExceeded)

		emit(t, s, EventJoin, c.ID)
		ev := next(t, s)
		require.Equal(t, EventConversationErr, ev.Name)
		require.Equal(t, "Internal Server Error", decode[ConversationError](t, ev).Message)
		require.False(t, s.Conn().InGroup(conversationGroup(c.ID)))
	})

	t.Run("malformed payloads", func(t *testing.T) {
		f := newFixture(t)
		s := f.connect(t, f.alice)

		require.NoError(t, s.Handle(context.Background(), []byte(`{not json`)))
		require.Equal(t, EventError, next(t, s).Name)

		emit(t, s, EventJoin, 42)
		require.Equal(t, EventError, next(t, s).Name)

		emit(t, s, "conversation:delete", "x")
		require.Equal(t, EventError, next(t, s).Name)
		require.Equal(t, StateAuthenticated, s.State())
	})
}

func TestConversationScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	c, created, err := f.directory.GetOrCreate(ctx, f.alice.ID, chat.Recipient{Username: "bob"})
	req.NoError(err)
	req.True(created)

	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	bobPhone := f.connect(t, f.bob)

	for _, s := range []*Session{alice, bob, bobPhone} {
		emit(t, s, EventJoin, c.ID)
		req.Equal(EventJoined, next(t, s).Name)
	}

	// Typing reaches the other side only; none of bob's own connections echo it.
	emit(t, bob, EventTypingStart, c.ID)
	ev := next(t, alice)
	req.Equal(EventTypingUpdate, ev.Name)
	req.Equal(TypingUpdate{ConversationID: c.ID, UserID: f.bob.ID, Username: "bob", IsTyping: true}, decode[TypingUpdate](t, ev))
	quiet(t, bob)
	quiet(t, bobPhone)

	emit(t, bob, EventTypingStop, c.ID)
	req.False(decode[TypingUpdate](t, next(t, alice)).IsTyping)

	// Every joined connection gets message:new, the sender's included.
	emit(t, alice, EventSend, SendPayload{ConversationID: c.ID, Content: "hi"})
	var sent chat.Message
	for _, s := range []*Session{alice, bob, bobPhone} {
		ev := next(t, s)
		req.Equal(EventMessageNew, ev.Name)
		sent = decode[chat.Message](t, ev)
		req.Equal("hi", sent.Content)
		req.Equal(f.alice.ID, sent.SenderID)
		req.Equal("alice", sent.Sender.Username)
	}

	page, err := f.ledger.Page(ctx, c.ID, f.bob.ID, "", 20)
	req.NoError(err)
	req.Len(page.Messages, 1)
	req.Equal(sent.ID, page.Messages[0].ID)
	req.Empty(page.NextCursor)

	// After leaving, bob's phone hears nothing more from the conversation.
	emit(t, bobPhone, EventLeave, c.ID)
	emit(t, alice, EventSend, SendPayload{ConversationID: c.ID, Content: "still there?"})
	req.Equal(EventMessageNew, next(t, bob).Name)
	req.Equal(EventMessageNew, next(t, alice).Name)
	quiet(t, bobPhone)
}

func TestSendRejections(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.conversation(t, f.alice, f.bob)

	alice := f.connect(t, f.alice)
	carol := f.connect(t, f.carol)
	emit(t, alice, EventJoin, c.ID)
	next(t, alice)

	emit(t, carol, EventSend, SendPayload{ConversationID: c.ID, Content: "let me in"})
	ev := next(t, carol)
	req.Equal(EventConversationErr, ev.Name)
	req.Equal("Forbidden", decode[ConversationError](t, ev).Message)

	emit(t, alice, EventSend, SendPayload{ConversationID: c.ID, Content: "   "})
	ev = next(t, alice)
	req.Equal(EventConversationErr, ev.Name)
	req.Contains(decode[ConversationError](t, ev).Message, "between 1 and")

	emit(t, alice, EventSend, SendPayload{ConversationID: c.ID, Content: strings.Repeat("x", chat.MaxContentLength+1)})
	req.Equal(EventConversationErr, next(t, alice).Name)

	emit(t, alice, EventSend, "just a string")
	req.Equal(EventError, next(t, alice).Name)

	req.Zero(f.store.MessageCount())
	quiet(t, alice)
}

func TestRevokedMemberIsRefusedImmediately(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	c := f.conversation(t, f.alice, f.bob)

	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	for _, s := range []*Session{alice, bob} {
		emit(t, s, EventJoin, c.ID)
		next(t, s)
	}

	f.store.RemoveMember(c.ID, f.bob.ID)

	// Typing is dropped silently.
	emit(t, bob, EventTypingStart, c.ID)
	quiet(t, alice)
	quiet(t, bob)

	emit(t, bob, EventSend, SendPayload{ConversationID: c.ID, Content: "hello?"})
	req.Equal(EventConversationErr, next(t, bob).Name)
	quiet(t, alice)

	emit(t, bob, EventJoin, c.ID)
	req.Equal(EventConversationErr, next(t, bob).Name)
}

func TestTypingFromOutsiderIsDropped(t *testing.T) {
	f := newFixture(t)
	c := f.conversation(t, f.alice, f.bob)
	alice := f.connect(t, f.alice)
	carol := f.connect(t, f.carol)
	emit(t, alice, EventJoin, c.ID)
	next(t, alice)

	emit(t, carol, EventTypingStart, c.ID)
	emit(t, carol, EventTypingStart, 7)
	quiet(t, alice)
	quiet(t, carol)
}

func TestInboundRateLimit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, WithEventRate(0.01, 2))
	c := f.conversation(t, f.alice, f.bob)
	alice := f.connect(t, f.alice)

	emit(t, alice, EventLeave, c.ID)
	emit(t, alice, EventLeave, c.ID)
	quiet(t, alice)

	emit(t, alice, EventJoin, c.ID)
	ev := next(t, alice)
	req.Equal(EventError, ev.Name)
	req.Equal("rate limit exceeded", decode[ErrorPayload](t, ev).Message)
	req.False(alice.Conn().InGroup(conversationGroup(c.ID)))

	// Other connections have their own budget.
	bob := f.connect(t, f.bob)
	emit(t, bob, EventJoin, c.ID)
	req.Equal(EventJoined, next(t, bob).Name)
}
