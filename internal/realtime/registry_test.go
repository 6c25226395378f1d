package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go-dm/internal/chat"
	"go-dm/internal/logging"

	"github.com/stretchr/testify/require"
)

func drain(c *Conn) []Event {
	var out []Event
	for {
		select {
		case raw := <-c.Outbound():
			var ev Event
			if err := json.Unmarshal(raw, &ev); err == nil {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestRegistryBroadcastFilters(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(logging.Discard())

	a1 := newConn("alice", "alice", 8)
	a2 := newConn("alice", "alice", 8)
	b1 := newConn("bob", "bob", 8)
	for _, c := range []*Conn{a1, a2, b1} {
		r.Register(c)
		req.True(r.Join(c, "room"))
	}
	ev := Event{Name: "ping"}

	r.Broadcast("room", ev)
	req.Len(drain(a1), 1)
	req.Len(drain(a2), 1)
	req.Len(drain(b1), 1)

	r.Broadcast("room", ev, ExceptConn(a1.ID))
	req.Empty(drain(a1))
	req.Len(drain(a2), 1)
	req.Len(drain(b1), 1)

	r.Broadcast("room", ev, ExceptUser("alice"))
	req.Empty(drain(a1))
	req.Empty(drain(a2))
	req.Len(drain(b1), 1)

	r.Broadcast("nobody-here", ev)
	req.Empty(drain(b1))
}

func TestRegistryLeaveAndDisconnect(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(logging.Discard())
	c := newConn("alice", "alice", 8)
	r.Register(c)

	req.True(r.Join(c, "a"))
	req.True(r.Join(c, "b"))
	req.ElementsMatch([]string{"a", "b"}, c.Groups())

	r.Leave(c, "a")
	req.Equal([]string{"b"}, c.Groups())
	req.Empty(r.Members("a"))
	r.Broadcast("a", Event{Name: "x"})
	req.Empty(drain(c))

	r.Disconnect(c)
	r.Disconnect(c)
	req.Empty(c.Groups())
	req.Empty(r.Members("b"))
	req.Zero(r.Len())
	req.False(r.Join(c, "b"), "a closed connection cannot join")

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestRegistryDisconnectsSlowConsumer(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(logging.Discard())

	slow := newConn("bob", "bob", 1)
	fast := newConn("alice", "alice", 8)
	for _, c := range []*Conn{slow, fast} {
		r.Register(c)
		r.Join(c, "room")
	}

	r.Broadcast("room", Event{Name: "one"})
	r.Broadcast("room", Event{Name: "two"})

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow consumer still connected")
	}
	req.Equal([]string{fast.ID}, r.Members("room"))
	req.Len(drain(fast), 2)
	req.Equal(1, r.Len())
}

func TestRegistryConcurrentMembership(t *testing.T) {
	r := NewRegistry(logging.Discard())

	const workers = 16
	conns := make([]*Conn, workers)
	for i := range conns {
		conns[i] = newConn(fmt.Sprintf("u%d", i), "", 1024)
		r.Register(conns[i])
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(2)
		go func(c *Conn, stay bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Join(c, "room")
				if !stay {
					r.Leave(c, "room")
				}
			}
		}(c, i%2 == 0)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Broadcast("room", Event{Name: "tick"})
			}
		}()
	}
	wg.Wait()

	members := r.Members("room")
	require.Len(t, members, workers/2)
	for i, c := range conns {
		require.Equal(t, i%2 == 0, c.InGroup("room"))
	}
}

func TestDispatcherShutdownClosesEverything(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, f.alice)
	b := f.connect(t, f.bob)
	require.Equal(t, 2, f.registry.Len())

	f.dispatcher.Shutdown()
	require.Zero(t, f.registry.Len())
	for _, s := range []*Session{a, b} {
		<-s.Conn().Done()
		require.ErrorIs(t, s.Handle(context.Background(), []byte(`{"event":"conversation:join","data":"x"}`)), ErrSessionClosed)
		require.Equal(t, StateClosed, s.State())
	}
}

func TestConversationCreatedReachesBothPersonalGroups(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	carol := f.connect(t, f.carol)

	c := f.conversation(t, f.alice, f.bob)
	f.dispatcher.ConversationCreated(context.Background(), c)

	for _, s := range []*Session{alice, bob} {
		ev := next(t, s)
		req.Equal(EventConversationNew, ev.Name)
		req.Equal(c.ID, decode[struct {
			ID string `json:"id"`
		}](t, ev).ID)
	}
	quiet(t, carol)
}

func TestRedisDeliverRoutesEnvelope(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.connect(t, f.alice)
	bob := f.connect(t, f.bob)
	for _, s := range []*Session{alice, bob} {
		f.registry.Join(s.Conn(), "conversation:c1")
	}
	p := NewRedisPublisher(nil, "chat:events", f.registry, f.dispatcher.log)

	ev, err := NewEvent(EventTypingUpdate, TypingUpdate{ConversationID: "c1", UserID: f.bob.ID, IsTyping: true})
	req.NoError(err)
	payload, err := json.Marshal(Broadcast{Group: "conversation:c1", Event: ev, ExceptUser: f.bob.ID})
	req.NoError(err)

	p.deliver(payload)
	req.Equal(EventTypingUpdate, next(t, alice).Name)
	quiet(t, bob)

	p.deliver([]byte("{broken"))
	quiet(t, alice)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Broadcast) error {
	return errors.New("redis: connection refused")
}

func TestFailedPublishStillDeliversLocally(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	d := NewDispatcher(f.tokens, f.store, chat.NewMembership(f.store), f.ledger, f.registry, failingPublisher{}, logging.Discard())
	c := f.conversation(t, f.alice, f.bob)

	alice, err := d.Connect(ctx, f.token(t, f.alice))
	req.NoError(err)
	defer alice.Close()
	bob, err := d.Connect(ctx, f.token(t, f.bob))
	req.NoError(err)
	defer bob.Close()

	emit(t, alice, EventJoin, c.ID)
	req.Equal(EventJoined, next(t, alice).Name)
	emit(t, bob, EventJoin, c.ID)
	req.Equal(EventJoined, next(t, bob).Name)

	emit(t, alice, EventTypingStart, c.ID)
	quiet(t, alice)
	req.Equal(EventTypingUpdate, next(t, bob).Name)

	emit(t, alice, EventSend, SendPayload{ConversationID: c.ID, Content: "still here"})
	for _, s := range []*Session{alice, bob} {
		ev := next(t, s)
		req.Equal(EventMessageNew, ev.Name)
		req.Equal("still here", decode[chat.Message](t, ev).Content)
	}
}
