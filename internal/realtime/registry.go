package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// BroadcastOption narrows the recipients of a broadcast.
type BroadcastOption func(*broadcastOpts)

type broadcastOpts struct {
	exceptConn string
	exceptUser string
}

// ExceptConn skips a single connection.
func ExceptConn(connID string) BroadcastOption {
	return func(o *broadcastOpts) { o.exceptConn = connID }
}

// ExceptUser skips every connection of a user.
func ExceptUser(userID string) BroadcastOption {
	return func(o *broadcastOpts) { o.exceptUser = userID }
}

type group struct {
	mu      sync.Mutex
	members map[string]*Conn
	dead    bool
}

// Registry tracks live connections and the groups they belong to. Join,
// Leave and Broadcast on the same group are serialized by the group's lock.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*group
	conns  map[string]*Conn
	log    *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		groups: make(map[string]*group),
		conns:  make(map[string]*Conn),
		log:    log,
	}
}

// Register makes a connection known so that shutdown can reach it.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Members returns the connection ids currently in a group.
func (r *Registry) Members(name string) []string {
	g := r.lookup(name)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) lookup(name string) *group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[name]
}

func (r *Registry) getOrCreate(name string) *group {
	if g := r.lookup(name); g != nil {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[name]; ok {
		return g
	}
	g := &group{members: make(map[string]*Conn)}
	r.groups[name] = g
	return g
}

// Join adds c to the group. Joining twice is a no-op; a closed connection
// cannot join anything.
func (r *Registry) Join(c *Conn, name string) bool {
	for {
		g := r.getOrCreate(name)
		g.mu.Lock()
		if g.dead {
			// Lost a race with the last Leave; the group was unlinked.
			g.mu.Unlock()
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			g.mu.Unlock()
			return false
		}
		c.groups[name] = struct{}{}
		c.mu.Unlock()

		g.members[c.ID] = c
		g.mu.Unlock()
		return true
	}
}

// Leave removes c from the group. Once it returns, no broadcast to the
// group reaches c.
func (r *Registry) Leave(c *Conn, name string) {
	c.mu.Lock()
	delete(c.groups, name)
	c.mu.Unlock()

	r.remove(c.ID, name)
}

func (r *Registry) remove(connID, name string) {
	g := r.lookup(name)
	if g == nil {
		return
	}

	g.mu.Lock()
	delete(g.members, connID)
	empty := len(g.members) == 0
	if empty {
		g.dead = true
	}
	g.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.groups[name] == g {
			delete(r.groups, name)
		}
		r.mu.Unlock()
	}
}

// Broadcast encodes ev once and queues it on every member of the group.
// Members whose queue is full are disconnected.
func (r *Registry) Broadcast(name string, ev Event, opts ...BroadcastOption) {
	var o broadcastOpts
	for _, opt := range opts {
		opt(&o)
	}

	g := r.lookup(name)
	if g == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("encode broadcast", "event", ev.Name, "error", err)
		return
	}

	var slow []*Conn
	g.mu.Lock()
	for _, c := range g.members {
		if c.ID == o.exceptConn || (o.exceptUser != "" && c.UserID == o.exceptUser) {
			continue
		}
		if !c.deliver(payload) {
			slow = append(slow, c)
		}
	}
	g.mu.Unlock()

	for _, c := range slow {
		r.log.Warn("disconnecting slow consumer", "conn", c.ID, "user", c.UserID, "group", name)
		r.Disconnect(c)
	}
}

// Send queues ev on a single connection.
func (r *Registry) Send(c *Conn, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("encode event", "event", ev.Name, "error", err)
		return
	}
	if !c.deliver(payload) {
		r.log.Warn("disconnecting slow consumer", "conn", c.ID, "user", c.UserID)
		r.Disconnect(c)
	}
}

// Disconnect removes c from every group and forgets it. Safe to call more
// than once.
func (r *Registry) Disconnect(c *Conn) {
	groups, first := c.markClosed()
	if !first {
		return
	}
	for _, name := range groups {
		r.remove(c.ID, name)
	}

	r.mu.Lock()
	delete(r.conns, c.ID)
	r.mu.Unlock()
}

// DisconnectAll tears down every live connection.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.Disconnect(c)
	}
}
