package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/stretchr/testify/require"
)

func TestPrinter_Format(t *testing.T) {
	p := &printer{colours: false}
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.Local)

	require.Equal(t, "connected as u1", p.format(&chatv1.ServerEvent{Type: chatv1.EventAuthenticated, UserID: "u1"}))
	require.Equal(t, "u1", p.self)

	mine := p.format(chatv1.NewMessageEvent(&chat.Message{SenderID: "u1", Content: "hi", Seq: 3, CreatedAt: at}))
	require.Equal(t, "[15:04:05 #3] me: hi", mine)
	theirs := p.format(chatv1.NewMessageEvent(&chat.Message{SenderID: "u2", Content: "yo", Seq: 4, CreatedAt: at}))
	require.Equal(t, "[15:04:05 #4] u2: yo", theirs)

	require.Equal(t, "u2 is typing...", p.format(chatv1.NewTypingEvent("c", "u2", 1000)))
	require.Empty(t, p.format(chatv1.NewStopTypingEvent("c", "u2")))

	errLine := p.format(chatv1.NewErrorEvent(chat.ErrForbidden, "c-1"))
	require.Equal(t, "error FORBIDDEN: forbidden (c-1)", errLine)
}

func TestLineEvent(t *testing.T) {
	require.Nil(t, lineEvent("c", "   "))

	typing := lineEvent("c", "/typing")
	require.Equal(t, chatv1.EventTyping, typing.Type)

	send := lineEvent("c", "  hello ")
	require.Equal(t, chatv1.EventSend, send.Type)
	require.Equal(t, "hello", send.Content)
	require.NotEmpty(t, send.ClientMsgID)
	require.NotEqual(t, send.ClientMsgID, lineEvent("c", "hello").ClientMsgID)
}

func TestRenderTables(t *testing.T) {
	var buf bytes.Buffer
	renderConversations(&buf, "u1", []*chat.Conversation{
		{ID: "c-1", Participants: [2]string{"u1", "u2"}, LastMessagePreview: "see you"},
	})
	out := buf.String()
	require.Contains(t, out, "CONVERSATION")
	require.Contains(t, out, "c-1")
	require.Contains(t, out, "u2")
	require.Contains(t, out, "see you")

	buf.Reset()
	renderMessages(&buf, []*chat.Message{{Seq: 7, SenderID: "u2", Content: "ping", CreatedAt: time.Now()}})
	require.Contains(t, buf.String(), "ping")
	require.Contains(t, buf.String(), "7")
}
