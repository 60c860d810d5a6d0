package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/PaulBabatuyi/dm-gateway/internal/gateway"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Connect is the live stream. One goroutine reads client events, one writes
// queued server events, and this goroutine dispatches inbound events one at
// a time in arrival order.
func (s *Server) Connect(stream chatv1.ChatService_ConnectServer) error {
	ctx := stream.Context()
	conn := s.gw.NewConn()
	defer s.events.Forget(conn.ID())

	inbound := make(chan *chatv1.ClientEvent)
	recvErr := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbound <- ev:
			case <-conn.Done():
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(stream, conn)
	}()

	err := s.serve(ctx, conn, inbound, recvErr)
	s.gw.Disconnect(conn, err)
	<-writerDone

	if err == nil {
		return nil
	}
	// the first close reason wins, e.g. a slow consumer cut off by the gateway
	if reason := conn.Err(); reason != nil {
		err = reason
	}
	return chat.ToStatus(err)
}

// serve runs the handshake and then the dispatch loop. A nil result means
// the client closed the stream.
func (s *Server) serve(ctx context.Context, conn *gateway.Conn, inbound <-chan *chatv1.ClientEvent, recvErr <-chan error) error {
	if err := s.handshake(ctx, conn, inbound, recvErr); err != nil {
		return err
	}

	for {
		select {
		case ev := <-inbound:
			s.dispatch(ctx, conn, ev)
		case err := <-recvErr:
			return streamEnd(err)
		case <-conn.Done():
			return conn.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

// handshake authenticates from the authorization header or, failing that,
// from the first event, which must arrive within authTimeout.
func (s *Server) handshake(ctx context.Context, conn *gateway.Conn, inbound <-chan *chatv1.ClientEvent, recvErr <-chan error) error {
	credential := bearerFromContext(ctx)
	if credential == "" {
		timer := time.NewTimer(s.authTimeout)
		defer timer.Stop()

		select {
		case ev := <-inbound:
			if ev.Type != chatv1.EventAuth {
				return fmt.Errorf("first event must be %q, got %q: %w", chatv1.EventAuth, ev.Type, chat.ErrUnauthenticated)
			}
			credential = ev.Token
		case err := <-recvErr:
			if err = streamEnd(err); err == nil {
				err = chat.ErrConnectionClosed
			}
			return err
		case <-timer.C:
			return fmt.Errorf("no credential within %s: %w", s.authTimeout, chat.ErrUnauthenticated)
		case <-ctx.Done():
			return chat.ErrConnectionClosed
		}
	}

	userID, err := s.gw.Authenticate(ctx, conn, credential)
	if err != nil {
		return err
	}
	return conn.Deliver(&chatv1.ServerEvent{Type: chatv1.EventAuthenticated, UserID: userID})
}

// streamEnd maps a Recv error to the session result.
func streamEnd(err error) error {
	if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return nil
	}
	return err
}

// writeLoop is the only caller of stream.Send. It drains whatever is still
// queued once the connection closes.
func (s *Server) writeLoop(stream chatv1.ChatService_ConnectServer, conn *gateway.Conn) {
	for {
		select {
		case ev := <-conn.Outbound():
			if err := stream.Send(ev); err != nil {
				s.gw.Disconnect(conn, fmt.Errorf("send: %v: %w", err, chat.ErrConnectionClosed))
				return
			}
		case <-conn.Done():
			for {
				select {
				case ev := <-conn.Outbound():
					if stream.Send(ev) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// dispatch handles one inbound event. Refusals are reported as error events
// and never end the stream.
func (s *Server) dispatch(ctx context.Context, conn *gateway.Conn, ev *chatv1.ClientEvent) {
	presence := ev.Type == chatv1.EventTyping || ev.Type == chatv1.EventStopTyping

	if !s.events.Allow(conn.ID()) {
		if !presence {
			s.reply(conn, chatv1.NewErrorEvent(fmt.Errorf("%s: %w", ev.Type, chat.ErrRateLimited), ref(ev)))
		}
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		if !presence {
			s.reply(conn, chatv1.NewErrorEvent(fmt.Errorf("%v: %w", err, chat.ErrInvalidArgument), ref(ev)))
		}
		return
	}

	var err error
	switch ev.Type {
	case chatv1.EventAuth:
		err = fmt.Errorf("connection already authenticated: %w", chat.ErrInvalidArgument)
	case chatv1.EventJoin:
		if err = s.gw.JoinRoom(ctx, conn, ev.ConversationID); err == nil {
			s.reply(conn, &chatv1.ServerEvent{Type: chatv1.EventJoined, ConversationID: ev.ConversationID})
		}
	case chatv1.EventLeave:
		if err = s.gw.LeaveRoom(conn, ev.ConversationID); err == nil {
			s.reply(conn, &chatv1.ServerEvent{Type: chatv1.EventLeft, ConversationID: ev.ConversationID})
		}
	case chatv1.EventOpen:
		var conv *chat.Conversation
		if conv, err = s.openAndJoin(ctx, conn, ev.ToUserID); err == nil {
			s.reply(conn, &chatv1.ServerEvent{Type: chatv1.EventConversation, ConversationID: conv.ID, Conversation: conv})
		}
	case chatv1.EventSend:
		err = s.send(ctx, conn, ev)
	case chatv1.EventTyping:
		s.relay.OnTyping(ctx, conn, ev.ConversationID)
	case chatv1.EventStopTyping:
		s.relay.OnStopTyping(ctx, conn, ev.ConversationID)
	}

	if err != nil {
		s.logger.Debug("event refused", "conn_id", conn.ID(), "user_id", conn.UserID(), "type", ev.Type, "error", err)
		s.reply(conn, chatv1.NewErrorEvent(err, ref(ev)))
	}
}

// send handles both addressing modes: an existing conversation, or a peer
// whose conversation is found or created on first message.
func (s *Server) send(ctx context.Context, conn *gateway.Conn, ev *chatv1.ClientEvent) error {
	conversationID := ev.ConversationID
	if conversationID == "" {
		if ev.ToUserID == "" {
			return fmt.Errorf("send needs conversation_id or to_user_id: %w", chat.ErrInvalidArgument)
		}
		conv, err := s.openAndJoin(ctx, conn, ev.ToUserID)
		if err != nil {
			return err
		}
		s.reply(conn, &chatv1.ServerEvent{Type: chatv1.EventConversation, ConversationID: conv.ID, Conversation: conv})
		conversationID = conv.ID
	}
	_, err := s.engine.SendMessage(ctx, conn, conversationID, ev.Content, ev.ClientMsgID)
	return err
}

func (s *Server) openAndJoin(ctx context.Context, conn *gateway.Conn, peerID string) (*chat.Conversation, error) {
	conv, err := s.engine.OpenConversation(ctx, conn.UserID(), peerID)
	if err != nil {
		return nil, err
	}
	if err := s.gw.JoinKnownRoom(conn, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// reply queues a direct answer to conn. A connection too slow to take it is
// disconnected by Deliver.
func (s *Server) reply(conn *gateway.Conn, ev *chatv1.ServerEvent) {
	_ = conn.Deliver(ev)
}

// ref picks the identifier an error event should point back to.
func ref(ev *chatv1.ClientEvent) string {
	switch {
	case ev.ClientMsgID != "":
		return ev.ClientMsgID
	case ev.ConversationID != "":
		return ev.ConversationID
	default:
		return ev.ToUserID
	}
}
