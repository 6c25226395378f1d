package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Conn is one live, authenticated connection. It only exists in memory and
// is never reused after Close.
type Conn struct {
	ID       string
	UserID   string
	Username string

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	groups map[string]struct{}
}

func newConn(userID, username string, buffer int) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		groups:   make(map[string]struct{}),
	}
}

// Outbound is the queue drained by the transport's write pump.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Groups returns the groups the connection currently belongs to.
func (c *Conn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

func (c *Conn) InGroup(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[name]
	return ok
}

// deliver queues payload without blocking. It reports false when the
// consumer is too slow; a closed connection silently drops.
func (c *Conn) deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// markClosed flips the connection to closed and returns the groups it must
// be removed from. Only the first call gets them.
func (c *Conn) markClosed() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}
	c.closed = true
	close(c.done)

	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.groups = map[string]struct{}{}
	return groups, true
}
