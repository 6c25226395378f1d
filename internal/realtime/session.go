package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go-dm/internal/apperr"

	"golang.org/x/time/rate"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrSessionClosed = errors.New("realtime: session closed")
	ErrBadTransition = errors.New("realtime: session already authenticated")
)

// Session is the per-connection state machine:
// connecting -> authenticated -> closed, or connecting -> closed when the
// handshake fails. Events are only handled while authenticated.
type Session struct {
	d *Dispatcher

	mu      sync.Mutex
	state   State
	conn    *Conn
	limiter *rate.Limiter
}

func (d *Dispatcher) NewSession() *Session {
	return &Session{d: d, state: StateConnecting}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn is nil until the session is authenticated.
func (s *Session) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Authenticate verifies the handshake credential, binds the user and joins
// the personal group. On failure the session goes straight to closed.
func (s *Session) Authenticate(ctx context.Context, rawToken string) error {
	if err := s.expectConnecting(); err != nil {
		return err
	}

	// The lookup runs unlocked so Close and State stay responsive.
	user, err := s.d.authenticate(ctx, rawToken)

	s.mu.Lock()
	defer s.mu.Unlock()
	if stateErr := s.checkConnectingLocked(); stateErr != nil {
		return stateErr
	}
	if err != nil {
		s.state = StateClosed
		return err
	}

	c := newConn(user.ID, user.Username, s.d.sendBuffer)
	s.d.registry.Register(c)
	s.d.registry.Join(c, personalGroup(user.ID))

	s.conn = c
	s.limiter = rate.NewLimiter(s.d.eventRate, s.d.eventBurst)
	s.state = StateAuthenticated
	s.d.log.Debug("session authenticated", "conn", c.ID, "user", user.ID)
	return nil
}

func (s *Session) expectConnecting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkConnectingLocked()
}

func (s *Session) checkConnectingLocked() error {
	switch s.state {
	case StateConnecting:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrBadTransition
	}
}

// Close leaves every group. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	c := s.conn
	already := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if already || c == nil {
		return
	}
	s.d.registry.Disconnect(c)
	s.d.log.Debug("session closed", "conn", c.ID, "user", c.UserID)
}

// Handle processes one inbound frame. Rejections are reported to the client
// as events; the returned error is only set when the session can no longer
// accept frames.
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	c := s.Conn()
	if s.State() != StateAuthenticated || c == nil {
		return ErrSessionClosed
	}
	select {
	case <-c.Done():
		// Torn down underneath us (slow consumer or shutdown).
		s.Close()
		return ErrSessionClosed
	default:
	}

	if !s.limiter.Allow() {
		s.reply(c, EventError, ErrorPayload{Message: "rate limit exceeded"})
		return nil
	}

	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil || ev.Name == "" {
		s.reply(c, EventError, ErrorPayload{Message: "malformed frame"})
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch ev.Name {
	case EventJoin:
		s.join(ctx, c, ev.Data)
	case EventLeave:
		s.leave(c, ev.Data)
	case EventTypingStart:
		s.typing(ctx, c, ev.Data, true)
	case EventTypingStop:
		s.typing(ctx, c, ev.Data, false)
	case EventSend:
		s.send(ctx, c, ev.Data)
	default:
		s.reply(c, EventError, ErrorPayload{Message: "unknown event " + ev.Name})
	}
	return nil
}

func (s *Session) join(ctx context.Context, c *Conn, data json.RawMessage) {
	id, ok := conversationID(data)
	if !ok {
		s.reply(c, EventError, ErrorPayload{Message: "conversation id required"})
		return
	}

	if err := s.d.membership.AssertMember(ctx, id, c.UserID); err != nil {
		s.rejectJoin(c, id, err)
		return
	}
	s.d.registry.Join(c, conversationGroup(id))
	s.reply(c, EventJoined, ConversationRef{ConversationID: id})
}

func (s *Session) rejectJoin(c *Conn, id string, err error) {
	if !errors.Is(err, apperr.ErrForbidden) {
		s.d.log.Error("join failed", "conn", c.ID, "conversation", id, "error", err)
	}
	s.reply(c, EventConversationErr, ConversationError{ConversationID: id, Message: apperr.Message(err)})
}

// leave needs no membership check; a connection can always drop a group.
func (s *Session) leave(c *Conn, data json.RawMessage) {
	id, ok := conversationID(data)
	if !ok {
		return
	}
	s.d.registry.Leave(c, conversationGroup(id))
}

// typing is fire-and-forget: a rejected indicator is dropped without reply.
func (s *Session) typing(ctx context.Context, c *Conn, data json.RawMessage, isTyping bool) {
	id, ok := conversationID(data)
	if !ok {
		return
	}
	if err := s.d.membership.AssertMember(ctx, id, c.UserID); err != nil {
		s.d.log.Debug("typing dropped", "conn", c.ID, "conversation", id, "error", err)
		return
	}

	update := TypingUpdate{
		ConversationID: id,
		UserID:         c.UserID,
		Username:       c.Username,
		IsTyping:       isTyping,
	}
	s.d.publish(ctx, conversationGroup(id), EventTypingUpdate, update, c.UserID)
}

func (s *Session) send(ctx context.Context, c *Conn, data json.RawMessage) {
	var p SendPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		s.reply(c, EventError, ErrorPayload{Message: "conversationId and content required"})
		return
	}

	m, err := s.d.ledger.Append(ctx, p.ConversationID, c.UserID, p.Content)
	if err != nil {
		if apperr.Status(err) >= 500 {
			s.d.log.Error("send failed", "conn", c.ID, "conversation", p.ConversationID, "error", err)
		}
		s.reply(c, EventConversationErr, ConversationError{ConversationID: p.ConversationID, Message: apperr.Message(err)})
		return
	}
	s.d.MessageCreated(ctx, m)
}

func (s *Session) reply(c *Conn, name string, data any) {
	ev, err := NewEvent(name, data)
	if err != nil {
		s.d.log.Error("encode reply", "event", name, "error", err)
		return
	}
	s.d.registry.Send(c, ev)
}

// conversationID accepts the bare id string clients send for join, leave
// and typing events.
func conversationID(data json.RawMessage) (string, bool) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}
