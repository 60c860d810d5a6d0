// Package gateway owns live connections: which user each belongs to and which
// conversation rooms each has joined. It is the only place that routes events
// to clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/metrics"
)

// errDropped marks a presence event discarded on a full buffer.
var errDropped = errors.New("presence event dropped")

// IdentityResolver turns a handshake credential into a user id.
type IdentityResolver interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// ParticipantChecker answers room admission questions.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Config tunes a Gateway.
type Config struct {
	// BufferSize bounds each connection's outbound queue.
	BufferSize int
}

// Gateway maps users and rooms to their live connections.
type Gateway struct {
	identity IdentityResolver
	members  ParticipantChecker
	logger   *slog.Logger
	metrics  metrics.Recorder
	cfg      Config

	users *index
	rooms *index

	hooksMu sync.RWMutex
	offline []func(userID string)
}

// New builds a Gateway. A nil recorder disables metrics.
func New(identity IdentityResolver, members ParticipantChecker, logger *slog.Logger, rec metrics.Recorder, cfg Config) *Gateway {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Gateway{
		identity: identity,
		members:  members,
		logger:   logger,
		metrics:  rec,
		cfg:      cfg,
		users:    newIndex(),
		rooms:    newIndex(),
	}
}

// OnUserOffline registers fn to run after a user's last connection is gone.
func (g *Gateway) OnUserOffline(fn func(userID string)) {
	g.hooksMu.Lock()
	defer g.hooksMu.Unlock()
	g.offline = append(g.offline, fn)
}

// NewConn creates a connection in the Connecting state. It is not routable
// until Authenticate succeeds.
func (g *Gateway) NewConn() *Conn {
	c := newConn(g.cfg.BufferSize, g.evictSlow)
	g.metrics.ConnectionOpened()
	g.logger.Debug("connection opened", "conn_id", c.id)
	return c
}

// Authenticate verifies credential and registers c under the resolved user.
// A failed handshake closes c without ever registering it.
func (g *Gateway) Authenticate(ctx context.Context, c *Conn, credential string) (string, error) {
	switch c.State() {
	case StateAuthenticated:
		return "", fmt.Errorf("connection already authenticated: %w", chat.ErrInvalidArgument)
	case StateDisconnected:
		return "", chat.ErrConnectionClosed
	}

	userID, err := g.identity.Verify(ctx, credential)
	if err == nil && strings.TrimSpace(userID) == "" {
		err = fmt.Errorf("credential has no subject: %w", chat.ErrUnauthenticated)
	}
	if err != nil {
		if !errors.Is(err, chat.ErrUnauthenticated) {
			err = fmt.Errorf("verify credential: %v: %w", err, chat.ErrUnauthenticated)
		}
		g.Disconnect(c, err)
		return "", err
	}

	c.setUser(userID)
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return "", chat.ErrConnectionClosed
	}
	g.users.add(userID, c)
	// Disconnect may have run between the state change and the add above.
	if c.State() == StateDisconnected {
		g.dropUser(userID, c)
		return "", chat.ErrConnectionClosed
	}

	g.logger.Info("connection authenticated", "conn_id", c.id, "user_id", userID)
	return userID, nil
}

func (g *Gateway) requireAuthenticated(c *Conn) error {
	switch c.State() {
	case StateAuthenticated:
		return nil
	case StateDisconnected:
		return chat.ErrConnectionClosed
	default:
		return fmt.Errorf("connection not authenticated: %w", chat.ErrUnauthenticated)
	}
}

// JoinRoom admits c to the conversation's room after checking the user is a
// participant. Joining a room already joined is a no-op.
func (g *Gateway) JoinRoom(ctx context.Context, c *Conn, conversationID string) error {
	if err := g.requireAuthenticated(c); err != nil {
		return err
	}
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation id is required: %w", chat.ErrInvalidArgument)
	}
	if c.InRoom(conversationID) {
		return nil
	}

	userID := c.UserID()
	ok, err := g.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		if !errors.Is(err, chat.ErrStorage) {
			err = fmt.Errorf("participant check: %v: %w", err, chat.ErrStorage)
		}
		return err
	}
	if !ok {
		return fmt.Errorf("user %q in conversation %q: %w", userID, conversationID, chat.ErrForbidden)
	}
	return g.admit(c, conversationID)
}

// admit adds c to a room whose membership was already established.
func (g *Gateway) admit(c *Conn, conversationID string) error {
	added, ok := c.addRoom(conversationID)
	if !ok {
		return chat.ErrConnectionClosed
	}
	if !added {
		return nil
	}
	g.rooms.add(conversationID, c)
	if c.State() == StateDisconnected {
		g.rooms.remove(conversationID, c)
		return chat.ErrConnectionClosed
	}
	g.metrics.RoomJoined()
	g.logger.Debug("room joined", "conn_id", c.id, "user_id", c.UserID(), "conversation_id", conversationID)
	return nil
}

// JoinKnownRoom admits c without a store round trip. Callers must already
// know the user is a participant, e.g. right after find-or-create.
func (g *Gateway) JoinKnownRoom(c *Conn, conv *chat.Conversation) error {
	if err := g.requireAuthenticated(c); err != nil {
		return err
	}
	if !conv.Includes(c.UserID()) {
		return fmt.Errorf("user %q in conversation %q: %w", c.UserID(), conv.ID, chat.ErrForbidden)
	}
	return g.admit(c, conv.ID)
}

// LeaveRoom removes c from the room. Leaving a room not joined is a no-op.
func (g *Gateway) LeaveRoom(c *Conn, conversationID string) error {
	if err := g.requireAuthenticated(c); err != nil {
		return err
	}
	if !c.removeRoom(conversationID) {
		return nil
	}
	if removed, _ := g.rooms.remove(conversationID, c); removed {
		g.metrics.RoomLeft(1)
	}
	g.logger.Debug("room left", "conn_id", c.id, "user_id", c.UserID(), "conversation_id", conversationID)
	return nil
}

// Disconnect closes c, removes it from every room and from its user. When it
// was the user's last connection the offline hooks run. Safe to call more
// than once; only the first call has an effect.
func (g *Gateway) Disconnect(c *Conn, reason error) {
	prev, rooms := c.close(reason)
	if prev == StateDisconnected {
		return
	}

	left := 0
	for _, room := range rooms {
		if removed, _ := g.rooms.remove(room, c); removed {
			left++
		}
	}
	if left > 0 {
		g.metrics.RoomLeft(left)
	}

	code := "CLOSED"
	if reason != nil {
		code = chat.Code(reason)
	}
	g.metrics.ConnectionClosed(code)

	if prev == StateAuthenticated {
		userID := c.UserID()
		g.dropUser(userID, c)
		g.logger.Info("connection closed", "conn_id", c.id, "user_id", userID, "reason", code)
		return
	}
	g.logger.Debug("connection closed before authentication", "conn_id", c.id, "reason", code)
}

func (g *Gateway) dropUser(userID string, c *Conn) {
	removed, empty := g.users.remove(userID, c)
	if !removed || !empty {
		return
	}
	g.hooksMu.RLock()
	hooks := append([]func(string){}, g.offline...)
	g.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(userID)
	}
}

// RouteToRoom delivers ev to every connection joined to the room and returns
// how many accepted it. Zero is not an error.
func (g *Gateway) RouteToRoom(conversationID string, ev *chatv1.ServerEvent) int {
	return g.deliver(g.rooms.snapshot(conversationID), "", ev)
}

// RouteToRoomExcept is RouteToRoom skipping every connection of exceptUserID.
func (g *Gateway) RouteToRoomExcept(conversationID, exceptUserID string, ev *chatv1.ServerEvent) int {
	return g.deliver(g.rooms.snapshot(conversationID), exceptUserID, ev)
}

// RouteToUser delivers ev to all of the user's live connections.
func (g *Gateway) RouteToUser(userID string, ev *chatv1.ServerEvent) int {
	return g.deliver(g.users.snapshot(userID), "", ev)
}

func (g *Gateway) deliver(conns []*Conn, skipUser string, ev *chatv1.ServerEvent) int {
	n := 0
	for _, c := range conns {
		if skipUser != "" && c.UserID() == skipUser {
			continue
		}
		err := c.Deliver(ev)
		switch {
		case err == nil:
			n++
			g.metrics.EventDelivered(ev.Type)
		case errors.Is(err, errDropped):
			g.metrics.EventDropped(ev.Type)
		}
	}
	return n
}

// evictSlow disconnects a connection whose buffer is full. The client has to
// reconnect and catch up from history.
func (g *Gateway) evictSlow(c *Conn, ev *chatv1.ServerEvent) {
	g.metrics.EventDropped(ev.Type)
	g.logger.Warn("disconnecting slow consumer", "conn_id", c.id, "user_id", c.UserID(), "event", ev.Type)
	g.Disconnect(c, chat.ErrSlowConsumer)
}

// UserConnections is the number of live connections the user has.
func (g *Gateway) UserConnections(userID string) int { return g.users.count(userID) }

// RoomSize is the number of connections joined to the room.
func (g *Gateway) RoomSize(conversationID string) int { return g.rooms.count(conversationID) }

// InRoom reports whether c is registered in the room index.
func (g *Gateway) InRoom(conversationID string, c *Conn) bool {
	return g.rooms.contains(conversationID, c)
}
