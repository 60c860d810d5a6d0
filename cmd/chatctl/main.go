// Command chatctl is a terminal client for the DM gateway.
//
//	chatctl register -email a@b.c -handle alice -password ...
//	chatctl login -email a@b.c -password ...    # prints export CHAT_TOKEN=...
//	chatctl open -peer <user id>
//	chatctl convs
//	chatctl history -conv <id>
//	chatctl chat -conv <id> | -to <user id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
)

const callTimeout = 10 * time.Second

var errUsage = errors.New("usage: chatctl <register|login|open|convs|history|chat> [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	conn, err := dial(cfg, stderr)
	if err != nil {
		return err
	}
	defer conn.Close()
	cli := &cli{cfg: cfg, client: chatv1.NewChatServiceClient(conn), in: stdin, out: stdout}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "register":
		return cli.register(ctx, rest)
	case "login":
		return cli.login(ctx, rest)
	case "open":
		return cli.open(ctx, rest)
	case "convs":
		return cli.convs(ctx, rest)
	case "history":
		return cli.history(ctx, rest)
	case "chat":
		return cli.chat(ctx, rest)
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

type cli struct {
	cfg    Config
	client chatv1.ChatServiceClient
	in     io.Reader
	out    io.Writer
}

func (c *cli) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	handle := fs.String("handle", "", "public handle")
	name := fs.String("name", "", "display name")
	password := fs.String("password", "", "password (min 8 chars)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.client.Register(ctx, &chatv1.RegisterRequest{Email: *email, Handle: *handle, DisplayName: *name, Password: *password})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "# user %s, token valid until %s\nexport CHAT_TOKEN=%s\n", resp.UserID, resp.ExpiresAt.Local().Format(timeLayout), resp.Token)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.client.Login(ctx, &chatv1.LoginRequest{Email: *email, Password: *password})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "# %s (%s), token valid until %s\nexport CHAT_TOKEN=%s\n", resp.Handle, resp.UserID, resp.ExpiresAt.Local().Format(timeLayout), resp.Token)
	return nil
}

func (c *cli) open(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	peer := fs.String("peer", "", "peer user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, err := authed(ctx, c.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.client.OpenConversation(ctx, &chatv1.OpenConversationRequest{PeerID: *peer})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, resp.Conversation.ID)
	return nil
}

func (c *cli) convs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("convs", flag.ContinueOnError)
	limit := fs.Int64("limit", 20, "max conversations")
	self := fs.String("me", "", "your user id, to show the peer column")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, err := authed(ctx, c.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.client.ListConversations(ctx, &chatv1.ListConversationsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	renderConversations(c.out, *self, resp.Conversations)
	return nil
}

func (c *cli) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	conv := fs.String("conv", "", "conversation id")
	before := fs.Int64("before", 0, "only messages with seq below this")
	limit := fs.Int64("limit", 50, "max messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, err := authed(ctx, c.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.client.GetHistory(ctx, &chatv1.GetHistoryRequest{ConversationID: *conv, BeforeSeq: *before, Limit: *limit})
	if err != nil {
		return err
	}
	renderMessages(c.out, resp.Messages)
	return nil
}
