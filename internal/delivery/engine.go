// Package delivery turns send intents into durable, ordered, fanned-out
// messages.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/metrics"
	"github.com/PaulBabatuyi/dm-gateway/internal/normalize"
)

// Origin is the connection a send intent arrived on. Deliver must never
// block; an origin that cannot take its own message is expected to drop
// itself rather than lose it silently.
type Origin interface {
	UserID() string
	IsAuthenticated() bool
	InRoom(conversationID string) bool
	Deliver(ev *chatv1.ServerEvent) error
}

// Router fans events out to a conversation room.
type Router interface {
	RouteToRoom(conversationID string, ev *chatv1.ServerEvent) int
}

// Directory answers whether a user account exists.
type Directory interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// Config tunes an Engine.
type Config struct {
	MaxContentLength int
	HistoryLimit     int64
}

// Engine is the only writer of messages.
type Engine struct {
	store   chat.ConversationStore
	router  Router
	users   Directory
	logger  *slog.Logger
	metrics metrics.Recorder
	cfg     Config
	locks   *keyedMutex
}

// New builds an Engine. A nil recorder disables metrics.
func New(store chat.ConversationStore, router Router, users Directory, logger *slog.Logger, rec metrics.Recorder, cfg Config) *Engine {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 4000
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Engine{
		store:   store,
		router:  router,
		users:   users,
		logger:  logger,
		metrics: rec,
		cfg:     cfg,
		locks:   newKeyedMutex(),
	}
}

// SendMessage validates, persists and fans out one message. The message is
// returned only once it is durable; a storage failure means nothing was
// delivered to anyone.
//
// Appends and fan-outs for one conversation run under a per-conversation lock
// so room members observe messages in append order. A retried send carrying
// an already used clientMsgID returns the original message and re-delivers
// it to the origin only.
func (e *Engine) SendMessage(ctx context.Context, origin Origin, conversationID, content, clientMsgID string) (*chat.Message, error) {
	msg, err := e.sendMessage(ctx, origin, conversationID, content, clientMsgID)
	if err != nil {
		e.metrics.SendFailed(chat.Code(err))
		level := slog.LevelDebug
		if errors.Is(err, chat.ErrStorage) {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "send refused",
			"user_id", origin.UserID(), "conversation_id", conversationID, "code", chat.Code(err), "error", err)
	}
	return msg, err
}

func (e *Engine) sendMessage(ctx context.Context, origin Origin, conversationID, content, clientMsgID string) (*chat.Message, error) {
	if !origin.IsAuthenticated() {
		return nil, fmt.Errorf("send: %w", chat.ErrUnauthenticated)
	}
	// the limit applies to what the user typed
	if utf8.RuneCountInString(strings.TrimSpace(content)) > e.cfg.MaxContentLength {
		return nil, fmt.Errorf("message content exceeds %d characters: %w", e.cfg.MaxContentLength, chat.ErrInvalidArgument)
	}
	content = normalize.Content(content)
	if content == "" {
		return nil, fmt.Errorf("message content is empty: %w", chat.ErrInvalidArgument)
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation id is required: %w", chat.ErrInvalidArgument)
	}

	senderID := origin.UserID()
	ok, err := e.store.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, asStorage("participant check", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %q in conversation %q: %w", senderID, conversationID, chat.ErrForbidden)
	}

	unlock := e.locks.Lock(conversationID)
	defer unlock()

	start := time.Now()
	res, err := e.store.AppendMessage(ctx, chat.AppendParams{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ClientMsgID:    clientMsgID,
	})
	if err != nil {
		if errors.Is(err, chat.ErrForbidden) || errors.Is(err, chat.ErrInvalidArgument) {
			return nil, err
		}
		return nil, asStorage("append message", err)
	}

	ev := chatv1.NewMessageEvent(res.Message)
	if res.Duplicate {
		e.logger.Debug("duplicate send", "user_id", senderID, "conversation_id", conversationID, "client_msg_id", clientMsgID)
		_ = origin.Deliver(ev)
		return res.Message, nil
	}
	e.metrics.MessagePersisted(time.Since(start))

	n := e.router.RouteToRoom(conversationID, ev)
	if !origin.InRoom(conversationID) {
		// the sender always sees the persisted version
		_ = origin.Deliver(ev)
	}
	e.logger.Debug("message delivered",
		"user_id", senderID, "conversation_id", conversationID, "seq", res.Message.Seq, "recipients", n)
	return res.Message, nil
}

// OpenConversation finds or creates the conversation between userID and peerID.
func (e *Engine) OpenConversation(ctx context.Context, userID, peerID string) (*chat.Conversation, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" || peerID == userID {
		return nil, fmt.Errorf("peer must be another user: %w", chat.ErrInvalidArgument)
	}
	ok, err := e.users.UserExists(ctx, peerID)
	if err != nil {
		return nil, asStorage("peer lookup", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %q: %w", peerID, chat.ErrNotFound)
	}
	conv, err := e.store.FindOrCreateConversation(ctx, userID, peerID)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidArgument) {
			return nil, err
		}
		return nil, asStorage("find or create conversation", err)
	}
	return conv, nil
}

// History returns a page of a conversation's messages, oldest first, to one
// of its participants.
func (e *Engine) History(ctx context.Context, userID, conversationID string, page chat.Page) ([]*chat.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation id is required: %w", chat.ErrInvalidArgument)
	}
	ok, err := e.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, asStorage("participant check", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %q in conversation %q: %w", userID, conversationID, chat.ErrForbidden)
	}
	if page.Limit <= 0 || page.Limit > e.cfg.HistoryLimit {
		page.Limit = e.cfg.HistoryLimit
	}
	msgs, err := e.store.ListMessages(ctx, conversationID, page)
	if err != nil {
		return nil, asStorage("list messages", err)
	}
	return msgs, nil
}

// Conversations lists the user's conversations, most recently active first.
func (e *Engine) Conversations(ctx context.Context, userID string, limit int64) ([]*chat.Conversation, error) {
	if limit <= 0 || limit > e.cfg.HistoryLimit {
		limit = e.cfg.HistoryLimit
	}
	convs, err := e.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, asStorage("list conversations", err)
	}
	return convs, nil
}

func asStorage(op string, err error) error {
	if errors.Is(err, chat.ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, chat.ErrStorage)
}
