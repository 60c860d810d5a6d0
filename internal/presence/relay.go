// Package presence relays best-effort typing signals within a conversation
// room. Nothing here is persisted and nothing here ever fails loudly.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/metrics"
)

// DefaultTTL is how long a typing signal stays valid without a refresh.
const DefaultTTL = time.Second

// Member is the connection a presence signal arrived on.
type Member interface {
	UserID() string
	IsAuthenticated() bool
	InRoom(conversationID string) bool
}

// Router delivers to a room, skipping one user's connections.
type Router interface {
	RouteToRoomExcept(conversationID, exceptUserID string, ev *chatv1.ServerEvent) int
}

// ParticipantChecker is consulted when the member has not joined the room.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type signalKey struct {
	conversationID string
	userID         string
}

type signal struct {
	timer *time.Timer
}

// Relay tracks who is typing where and expires signals after the TTL,
// emitting the stop event itself when a sender goes quiet.
type Relay struct {
	router  Router
	members ParticipantChecker
	logger  *slog.Logger
	metrics metrics.Recorder
	ttl     time.Duration

	mu     sync.Mutex
	active map[signalKey]*signal
}

// New builds a Relay. A ttl of zero uses DefaultTTL.
func New(router Router, members ParticipantChecker, logger *slog.Logger, rec metrics.Recorder, ttl time.Duration) *Relay {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Relay{
		router:  router,
		members: members,
		logger:  logger,
		metrics: rec,
		ttl:     ttl,
		active:  make(map[signalKey]*signal),
	}
}

// TTL is the typing signal validity window.
func (r *Relay) TTL() time.Duration { return r.ttl }

func (r *Relay) allowed(ctx context.Context, m Member, conversationID string) bool {
	if !m.IsAuthenticated() || conversationID == "" {
		return false
	}
	if m.InRoom(conversationID) {
		return true
	}
	ok, err := r.members.IsParticipant(ctx, conversationID, m.UserID())
	if err != nil {
		r.logger.Debug("presence participant check failed", "conversation_id", conversationID, "user_id", m.UserID(), "error", err)
		return false
	}
	return ok
}

// OnTyping tells the other members of the room that m's user is typing and
// (re)arms the expiry timer.
func (r *Relay) OnTyping(ctx context.Context, m Member, conversationID string) {
	if !r.allowed(ctx, m, conversationID) {
		r.logger.Debug("typing signal dropped", "conversation_id", conversationID, "user_id", m.UserID())
		return
	}
	k := signalKey{conversationID: conversationID, userID: m.UserID()}

	s := &signal{}
	r.mu.Lock()
	if prev, ok := r.active[k]; ok {
		prev.timer.Stop()
	}
	r.active[k] = s
	s.timer = time.AfterFunc(r.ttl, func() { r.expire(k, s) })
	r.mu.Unlock()

	r.broadcast(k, chatv1.NewTypingEvent(conversationID, k.userID, r.ttl.Milliseconds()))
}

// OnStopTyping clears m's signal and tells the other members.
func (r *Relay) OnStopTyping(ctx context.Context, m Member, conversationID string) {
	if !r.allowed(ctx, m, conversationID) {
		r.logger.Debug("stop typing signal dropped", "conversation_id", conversationID, "user_id", m.UserID())
		return
	}
	k := signalKey{conversationID: conversationID, userID: m.UserID()}
	r.clear(k)
	r.broadcast(k, chatv1.NewStopTypingEvent(conversationID, k.userID))
}

// UserOffline stops every signal the user still has outstanding. The gateway
// calls it when the user's last connection is gone.
func (r *Relay) UserOffline(userID string) {
	var stopped []signalKey
	r.mu.Lock()
	for k, s := range r.active {
		if k.userID == userID {
			s.timer.Stop()
			delete(r.active, k)
			stopped = append(stopped, k)
		}
	}
	r.mu.Unlock()

	for _, k := range stopped {
		r.broadcast(k, chatv1.NewStopTypingEvent(k.conversationID, k.userID))
	}
}

// Close stops all pending expiry timers without emitting anything.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.active {
		s.timer.Stop()
		delete(r.active, k)
	}
}

func (r *Relay) clear(k signalKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[k]; ok {
		s.timer.Stop()
		delete(r.active, k)
	}
}

// expire fires from the timer. s guards against a refresh that replaced the
// signal after the timer had already started running.
func (r *Relay) expire(k signalKey, s *signal) {
	r.mu.Lock()
	if r.active[k] != s {
		r.mu.Unlock()
		return
	}
	delete(r.active, k)
	r.mu.Unlock()

	r.logger.Debug("typing signal expired", "conversation_id", k.conversationID, "user_id", k.userID)
	r.broadcast(k, chatv1.NewStopTypingEvent(k.conversationID, k.userID))
}

func (r *Relay) broadcast(k signalKey, ev *chatv1.ServerEvent) {
	n := r.router.RouteToRoomExcept(k.conversationID, k.userID, ev)
	r.metrics.TypingRelayed(ev.Type)
	r.logger.Debug("presence relayed", "type", ev.Type, "conversation_id", k.conversationID, "user_id", k.userID, "recipients", n)
}
