package chatv1

import (
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
)

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Handle      string `json:"handle" validate:"required,min=3,max=32,alphanumunicode"`
	DisplayName string `json:"display_name" validate:"max=64"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

// GetEmail lets the rate limiter key requests by account.
func (r *RegisterRequest) GetEmail() string { return r.Email }

type RegisterResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (r *LoginRequest) GetEmail() string { return r.Email }

type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Handle    string    `json:"handle"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OpenConversationRequest struct {
	PeerID string `json:"peer_id" validate:"required,max=64"`
}

type OpenConversationResponse struct {
	Conversation *chat.Conversation `json:"conversation"`
}

type ListConversationsRequest struct {
	Limit int64 `json:"limit" validate:"gte=0,lte=200"`
}

type ListConversationsResponse struct {
	Conversations []*chat.Conversation `json:"conversations"`
}

type GetHistoryRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,max=64"`
	BeforeSeq      int64  `json:"before_seq" validate:"gte=0"`
	Limit          int64  `json:"limit" validate:"gte=0,lte=500"`
}

type GetHistoryResponse struct {
	Messages []*chat.Message `json:"messages"`
}
