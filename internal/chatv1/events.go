package chatv1

import (
	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
)

// Client -> gateway event types.
const (
	EventAuth       = "auth"
	EventJoin       = "join"
	EventLeave      = "leave"
	EventOpen       = "open"
	EventSend       = "send"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)

// Gateway -> client event types. EventTyping and EventStopTyping are reused
// for the relayed presence signals.
const (
	EventAuthenticated = "authenticated"
	EventJoined        = "joined"
	EventLeft          = "left"
	EventConversation  = "conversation"
	EventMessage       = "message"
	EventError         = "error"
)

// ClientEvent is one inbound frame of the Connect stream.
type ClientEvent struct {
	Type           string `json:"type" validate:"required,oneof=auth join leave open send typing stop_typing"`
	Token          string `json:"token,omitempty" validate:"required_if=Type auth"`
	ConversationID string `json:"conversation_id,omitempty" validate:"omitempty,max=64,printascii"`
	ToUserID       string `json:"to_user_id,omitempty" validate:"omitempty,max=64,printascii"`
	Content        string `json:"content,omitempty"`
	ClientMsgID    string `json:"client_msg_id,omitempty" validate:"omitempty,max=64"`
}

// ServerEvent is one outbound frame of the Connect stream.
type ServerEvent struct {
	Type           string             `json:"type"`
	UserID         string             `json:"user_id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	FromUserID     string             `json:"from_user_id,omitempty"`
	ExpiresInMs    int64              `json:"expires_in_ms,omitempty"`
	Message        *chat.Message      `json:"message,omitempty"`
	Conversation   *chat.Conversation `json:"conversation,omitempty"`
	Error          *ErrorPayload      `json:"error,omitempty"`
}

// ErrorPayload describes a refused operation. Ref echoes the client_msg_id
// or conversation id the failure relates to.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// IsPresence reports whether the event is a best-effort presence signal.
func (e *ServerEvent) IsPresence() bool {
	return e.Type == EventTyping || e.Type == EventStopTyping
}

func NewMessageEvent(m *chat.Message) *ServerEvent {
	return &ServerEvent{Type: EventMessage, ConversationID: m.ConversationID, Message: m}
}

func NewTypingEvent(conversationID, fromUserID string, expiresInMs int64) *ServerEvent {
	return &ServerEvent{Type: EventTyping, ConversationID: conversationID, FromUserID: fromUserID, ExpiresInMs: expiresInMs}
}

func NewStopTypingEvent(conversationID, fromUserID string) *ServerEvent {
	return &ServerEvent{Type: EventStopTyping, ConversationID: conversationID, FromUserID: fromUserID}
}

// NewErrorEvent reports a refused operation. Storage and internal failures
// carry a generic message.
func NewErrorEvent(err error, ref string) *ServerEvent {
	code := chat.Code(err)
	msg := err.Error()
	switch code {
	case "STORAGE_ERROR":
		msg = "storage unavailable, try again"
	case "INTERNAL":
		msg = "internal error"
	}
	return &ServerEvent{Type: EventError, Error: &ErrorPayload{Code: code, Message: msg, Ref: ref}}
}
