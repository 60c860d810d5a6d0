// Package data provides the MongoDB and Badger backed stores for users,
// conversations and messages.
package data

import (
	"context"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// User maps to the users collection (id, email, handle, password hash, timestamps).
type User struct {
	ID          string    `bson:"_id"`
	Email       string    `bson:"email"`
	Handle      string    `bson:"handle"`
	DisplayName string    `bson:"display_name"`
	Password    string    `bson:"password"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// UserStore is the account persistence used by Register/Login and by the
// delivery engine to check that a peer exists.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UserExists(ctx context.Context, id string) (bool, error)
}

// conversationDoc maps to the conversations collection.
type conversationDoc struct {
	ID                 string    `bson:"_id"`
	PairKey            string    `bson:"pair_key"`
	Participants       []string  `bson:"participants"`
	NextSeq            int64     `bson:"next_seq"`
	LastSeq            int64     `bson:"last_seq"`
	CreatedAt          time.Time `bson:"created_at"`
	LastMessageAt      time.Time `bson:"last_message_at,omitempty"`
	LastMessagePreview string    `bson:"last_message_preview,omitempty"`
}

// messageDoc maps to the messages collection.
type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	Seq            int64     `bson:"seq"`
	CreatedAt      time.Time `bson:"created_at"`
	ClientMsgID    string    `bson:"client_msg_id,omitempty"`
}

const previewLength = 80

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength])
}

// newID returns a time ordered 24 char hex identifier.
func newID() string {
	return bson.NewObjectID().Hex()
}

func (d *conversationDoc) toDomain() *chat.Conversation {
	c := &chat.Conversation{
		ID:                 d.ID,
		CreatedAt:          d.CreatedAt,
		LastMessageAt:      d.LastMessageAt,
		LastMessagePreview: d.LastMessagePreview,
	}
	copy(c.Participants[:], d.Participants)
	return c
}

func (d *messageDoc) toDomain() *chat.Message {
	return &chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Seq:            d.Seq,
		CreatedAt:      d.CreatedAt,
		ClientMsgID:    d.ClientMsgID,
	}
}

// validID rejects identifiers that cannot have been produced by newID.
func validID(id string) bool {
	_, err := bson.ObjectIDFromHex(id)
	return err == nil
}

func defaultLimit(limit, def, max int64) int64 {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
