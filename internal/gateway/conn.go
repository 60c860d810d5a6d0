package gateway

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// State is the lifecycle position of a Conn.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is one live client connection. Outbound events are queued on a bounded
// buffer drained by the transport's writer; Deliver never blocks.
type Conn struct {
	id    string
	state atomic.Int32
	out   chan *chatv1.ServerEvent
	done  chan struct{}

	// evict runs when a non-presence event does not fit the buffer.
	evict func(c *Conn, ev *chatv1.ServerEvent)

	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
	err    error
}

func newConn(bufferSize int, evict func(*Conn, *chatv1.ServerEvent)) *Conn {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Conn{
		id:    uuid.NewString(),
		out:   make(chan *chatv1.ServerEvent, bufferSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
		evict: evict,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) IsAuthenticated() bool { return c.State() == StateAuthenticated }

// UserID is empty until the handshake completes, then fixed for the
// connection's lifetime.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Outbound is drained by the transport writer.
func (c *Conn) Outbound() <-chan *chatv1.ServerEvent { return c.out }

// Done is closed once the connection is disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection was closed, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// InRoom reports whether the connection is currently joined to conversationID.
func (c *Conn) InRoom(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := lo.Keys(c.rooms)
	sort.Strings(out)
	return out
}

// Deliver queues ev without blocking. A full buffer drops presence events
// silently. Anything else that does not fit disconnects the connection and
// returns chat.ErrSlowConsumer, whoever the caller is.
func (c *Conn) Deliver(ev *chatv1.ServerEvent) error {
	if c.State() == StateDisconnected {
		return chat.ErrConnectionClosed
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return chat.ErrConnectionClosed
	default:
		if ev.IsPresence() {
			return errDropped
		}
		if c.evict != nil {
			c.evict(c, ev)
		}
		return chat.ErrSlowConsumer
	}
}

func (c *Conn) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// addRoom fails once the connection is disconnected so a late join cannot
// resurrect membership.
func (c *Conn) addRoom(conversationID string) (added, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDisconnected {
		return false, false
	}
	if _, exists := c.rooms[conversationID]; exists {
		return false, true
	}
	c.rooms[conversationID] = struct{}{}
	return true, true
}

func (c *Conn) removeRoom(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[conversationID]; !ok {
		return false
	}
	delete(c.rooms, conversationID)
	return true
}

// close moves the connection to its terminal state and returns the state it
// left and the rooms it held. Only the first call has any effect.
func (c *Conn) close(reason error) (State, []string) {
	prev := State(c.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return prev, nil
	}
	c.mu.Lock()
	rooms := lo.Keys(c.rooms)
	c.rooms = make(map[string]struct{})
	c.err = reason
	c.mu.Unlock()
	close(c.done)
	return prev, rooms
}
