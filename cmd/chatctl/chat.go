package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// chat joins one conversation and sends every stdin line as a message.
// "/typing" sends a typing signal, "/quit" or EOF ends the session.
func (c *cli) chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	convID := fs.String("conv", "", "conversation id")
	to := fs.String("to", "", "peer user id; opens the conversation if needed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, err := authed(ctx, c.cfg)
	if err != nil {
		return err
	}

	if *convID == "" {
		if *to == "" {
			return errors.New("chat needs -conv or -to")
		}
		resp, err := c.client.OpenConversation(ctx, &chatv1.OpenConversationRequest{PeerID: *to})
		if err != nil {
			return err
		}
		*convID = resp.Conversation.ID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.client.Connect(ctx)
	if err != nil {
		return err
	}

	p := &printer{w: c.out, colours: c.cfg.Colours}
	recvErr := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			p.print(ev)
		}
	}()

	if err := stream.Send(&chatv1.ClientEvent{Type: chatv1.EventJoin, ConversationID: *convID}); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return stream.CloseSend()
			}
			ev := lineEvent(*convID, line)
			if ev == nil {
				continue
			}
			if err := stream.Send(ev); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// lineEvent turns one input line into the event to send, or nil for blank
// input.
func lineEvent(conversationID, line string) *chatv1.ClientEvent {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return nil
	case "/typing":
		return &chatv1.ClientEvent{Type: chatv1.EventTyping, ConversationID: conversationID}
	}
	return &chatv1.ClientEvent{
		Type:           chatv1.EventSend,
		ConversationID: conversationID,
		Content:        text,
		ClientMsgID:    uuid.NewString(),
	}
}
