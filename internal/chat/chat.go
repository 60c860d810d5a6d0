//go:generate go run go.uber.org/mock/mockgen -source=chat.go -destination=mocks/mock_store.go -package=mocks
// Package chat holds the direct-message domain: conversations, messages,
// the conversation store contract and the error taxonomy shared by the
// gateway, delivery engine and presence relay.
package chat

import (
	"context"
	"time"
)

// Conversation is a direct-message thread between exactly two users.
type Conversation struct {
	ID                 string    `json:"id"`
	Participants       [2]string `json:"participants"`
	CreatedAt          time.Time `json:"created_at"`
	LastMessageAt      time.Time `json:"last_message_at,omitzero"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
}

// Includes reports whether userID is one of the two participants.
func (c *Conversation) Includes(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message is an immutable, persisted chat message. Seq is assigned by the
// store at append time and orders messages within one conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
}

// AppendParams is the input of ConversationStore.AppendMessage.
type AppendParams struct {
	ConversationID string
	SenderID       string
	Content        string
	// ClientMsgID is an optional client supplied idempotency key.
	ClientMsgID string
}

// AppendResult carries the persisted message. Duplicate is set when the
// ClientMsgID matched a message appended earlier; nothing new was written.
type AppendResult struct {
	Message   *Message
	Duplicate bool
}

// Page selects a window of history. BeforeSeq of zero means "latest".
type Page struct {
	BeforeSeq int64
	Limit     int64
}

// ConversationStore is the durable record of conversations and messages.
// Implementations must assign Seq monotonically per conversation even under
// concurrent appends.
type ConversationStore interface {
	FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	AppendMessage(ctx context.Context, p AppendParams) (*AppendResult, error)
	// ListMessages returns messages in ascending Seq order.
	ListMessages(ctx context.Context, conversationID string, page Page) ([]*Message, error)
	// ListConversations returns the user's conversations, most recently active first.
	ListConversations(ctx context.Context, userID string, limit int64) ([]*Conversation, error)
}
