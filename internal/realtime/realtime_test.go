package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go-dm/internal/auth"
	"go-dm/internal/chat"
	"go-dm/internal/logging"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *chat.MemoryStore
	tokens     *auth.Tokens
	directory  *chat.Directory
	ledger     *chat.Ledger
	registry   *Registry
	dispatcher *Dispatcher
	alice      chat.User
	bob        chat.User
	carol      chat.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := chat.NewMemoryStore()
	add := func(name string) chat.User {
		u, err := store.AddUser(chat.User{Username: name})
		require.NoError(t, err)
		return u
	}

	log := logging.Discard()
	tokens := auth.NewTokens("access-secret", "refresh-secret", time.Minute, time.Hour)
	membership := chat.NewMembership(store)
	ledger := chat.NewLedger(store, membership)
	registry := NewRegistry(log)

	return &fixture{
		store:      store,
		tokens:     tokens,
		directory:  chat.NewDirectory(store, log),
		ledger:     ledger,
		registry:   registry,
		dispatcher: NewDispatcher(tokens, store, membership, ledger, registry, NewLocalPublisher(registry), log, opts...),
		alice:      add("alice"),
		bob:        add("bob"),
		carol:      add("carol"),
	}
}

func (f *fixture) token(t *testing.T, u chat.User) string {
	t.Helper()
	tok, err := f.tokens.IssueAccess(u.ID)
	require.NoError(t, err)
	return tok
}

func (f *fixture) connect(t *testing.T, u chat.User) *Session {
	t.Helper()
	s, err := f.dispatcher.Connect(context.Background(), f.token(t, u))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) conversation(t *testing.T, a, b chat.User) chat.Conversation {
	t.Helper()
	c, _, err := f.directory.GetOrCreate(context.Background(), a.ID, chat.Recipient{UserID: b.ID})
	require.NoError(t, err)
	return c
}

func emit(t *testing.T, s *Session, name string, data any) {
	t.Helper()
	ev, err := NewEvent(name, data)
	require.NoError(t, err)
	frame, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, s.Handle(context.Background(), frame))
}

// next pops the oldest queued event. Local publishing is synchronous, so
// anything an operation emits is already queued when it returns.
func next(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case raw := <-s.Conn().Outbound():
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	default:
		t.Fatal("no event queued")
		return Event{}
	}
}

func quiet(t *testing.T, s *Session) {
	t.Helper()
	require.Zero(t, len(s.Conn().Outbound()), "unexpected event queued")
}

func decode[T any](t *testing.T, ev Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}
