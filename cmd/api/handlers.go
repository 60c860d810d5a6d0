package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/PaulBabatuyi/dm-gateway/internal/auth"
	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/data"
	"github.com/samber/lo"
)

var errBadCredentials = fmt.Errorf("invalid credentials: %w", chat.ErrUnauthenticated)

func (s *Server) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%v: %w", err, chat.ErrInvalidArgument)
	}
	return nil
}

func callerID(ctx context.Context) (string, error) {
	claims, ok := getClaimsFromContext(ctx)
	if !ok || claims.UserID == "" {
		return "", fmt.Errorf("missing auth claims: %w", chat.ErrUnauthenticated)
	}
	return claims.UserID, nil
}

// Register hashes the password, stores the user and returns a JWT.
func (s *Server) Register(ctx context.Context, req *chatv1.RegisterRequest) (*chatv1.RegisterResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, chat.ToStatus(err)
	}
	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, chat.ToStatus(err)
	}

	user, err := s.users.CreateUser(ctx, &data.User{
		Email:       req.Email,
		Handle:      req.Handle,
		DisplayName: req.DisplayName,
		Password:    hashed,
	})
	if err != nil {
		s.logger.Warn("create user failed", "error", err)
		return nil, chat.ToStatus(err)
	}

	token, expiresAt, err := s.auth.GenerateToken(user.ID, user.Handle)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	s.logger.Info("user registered", "user_id", user.ID, "handle", user.Handle)
	return &chatv1.RegisterResponse{Token: token, UserID: user.ID, ExpiresAt: expiresAt}, nil
}

// Login checks the password and returns a JWT. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *Server) Login(ctx context.Context, req *chatv1.LoginRequest) (*chatv1.LoginResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, chat.ToStatus(err)
	}
	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, chat.ToStatus(errBadCredentials)
		}
		return nil, chat.ToStatus(err)
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		return nil, chat.ToStatus(errBadCredentials)
	}

	token, expiresAt, err := s.auth.GenerateToken(user.ID, user.Handle)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	return &chatv1.LoginResponse{Token: token, UserID: user.ID, Handle: user.Handle, ExpiresAt: expiresAt}, nil
}

// OpenConversation finds or creates the caller's conversation with a peer.
func (s *Server) OpenConversation(ctx context.Context, req *chatv1.OpenConversationRequest) (*chatv1.OpenConversationResponse, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	if err := s.validateRequest(req); err != nil {
		return nil, chat.ToStatus(err)
	}
	conv, err := s.engine.OpenConversation(ctx, userID, req.PeerID)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	return &chatv1.OpenConversationResponse{Conversation: conv}, nil
}

// ListConversations returns the caller's conversations by last activity.
func (s *Server) ListConversations(ctx context.Context, req *chatv1.ListConversationsRequest) (*chatv1.ListConversationsResponse, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	if err := s.validateRequest(req); err != nil {
		return nil, chat.ToStatus(err)
	}
	convs, err := s.engine.Conversations(ctx, userID, req.Limit)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	return &chatv1.ListConversationsResponse{Conversations: lo.Ternary(convs == nil, []*chat.Conversation{}, convs)}, nil
}

// GetHistory returns a page of messages, oldest first.
func (s *Server) GetHistory(ctx context.Context, req *chatv1.GetHistoryRequest) (*chatv1.GetHistoryResponse, error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	if err := s.validateRequest(req); err != nil {
		return nil, chat.ToStatus(err)
	}
	msgs, err := s.engine.History(ctx, userID, req.ConversationID, chat.Page{BeforeSeq: req.BeforeSeq, Limit: req.Limit})
	if err != nil {
		return nil, chat.ToStatus(err)
	}
	return &chatv1.GetHistoryResponse{Messages: lo.Ternary(msgs == nil, []*chat.Message{}, msgs)}, nil
}
