package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-dm/internal/apperr"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore is a process-local Store with the same ordering and uniqueness
// rules as the Postgres schema. It backs tests and local tooling.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]User
	usernames     map[string]string
	conversations map[string]*memConversation
	pairs         map[string]string
	messages      map[string]Message

	// fail, when set, is returned by every store call.
	fail error
}

type memConversation struct {
	Conversation
	memberIDs map[string]bool
	history   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]User),
		usernames:     make(map[string]string),
		conversations: make(map[string]*memConversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]Message),
	}
}

var _ Store = (*MemoryStore)(nil)

// AddUser registers an identity, assigning an id when u.ID is empty.
func (s *MemoryStore) AddUser(u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[u.Username]; taken {
		return User{}, apperr.Conflict("Username or email already in use")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = u
	s.usernames[u.Username] = u.ID
	return u, nil
}

// RemoveMember drops userID from a conversation. The chat core never does
// this; it exists to exercise revocation on live connections.
func (s *MemoryStore) RemoveMember(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[conversationID]; ok {
		delete(c.memberIDs, userID)
		c.Members = lo.Filter(c.Members, func(m User, _ int) bool { return m.ID != userID })
	}
}

// MessageCount is the number of stored messages across all conversations.
func (s *MemoryStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MemoryStore) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *MemoryStore) UserByID(ctx context.Context, id string) (User, error) {
	if err := s.check(ctx); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNoRows
	}
	return u, nil
}

func (s *MemoryStore) UserByUsername(ctx context.Context, username string) (User, error) {
	if err := s.check(ctx); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return User{}, ErrNoRows
	}
	return s.users[id], nil
}

func (s *MemoryStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	return ok && c.memberIDs[userID], nil
}

func (s *MemoryStore) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conversation
	for _, c := range s.conversations {
		if !c.memberIDs[userID] {
			continue
		}
		cp := c.Conversation
		cp.Members = append([]User(nil), c.Members...)
		sort.Slice(cp.Members, func(i, j int) bool { return cp.Members[i].Username < cp.Members[j].Username })
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateDirectConversation(ctx context.Context, c Conversation, pairKey string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.pairs[pairKey]; taken {
		return ErrDuplicatePair
	}
	mc := &memConversation{
		Conversation: c,
		memberIDs:    make(map[string]bool, len(c.Members)),
	}
	mc.Members = append([]User(nil), c.Members...)
	for _, m := range c.Members {
		mc.memberIDs[m.ID] = true
	}
	s.conversations[c.ID] = mc
	s.pairs[pairKey] = c.ID
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m Message) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return ErrNoRows
	}
	s.messages[m.ID] = m
	c.history = append(c.history, m.ID)
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	return nil
}

func (s *MemoryStore) MessageCursor(ctx context.Context, conversationID, messageID string) (Cursor, error) {
	if err := s.check(ctx); err != nil {
		return Cursor{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok || m.ConversationID != conversationID {
		return Cursor{}, ErrNoRows
	}
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, after *Cursor, limit int) ([]Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return []Message{}, nil
	}

	all := lo.Map(c.history, func(id string, _ int) Message {
		m := s.messages[id]
		m.Sender.Username = s.users[m.SenderID].Username
		return m
	})
	sort.Slice(all, func(i, j int) bool {
		return sortsBefore(all[i].CreatedAt, all[i].ID, all[j].CreatedAt, all[j].ID)
	})

	out := make([]Message, 0, limit)
	for _, m := range all {
		if after != nil && !sortsBefore(after.CreatedAt, after.ID, m.CreatedAt, m.ID) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// sortsBefore orders by (created_at desc, id desc).
func sortsBefore(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return aID > bID
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fail
}

// SetFail installs or clears a simulated store outage.
func (s *MemoryStore) SetFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}
