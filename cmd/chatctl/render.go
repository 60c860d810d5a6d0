package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/PaulBabatuyi/dm-gateway/internal/chat"
	"github.com/PaulBabatuyi/dm-gateway/internal/chatv1"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func renderConversations(w io.Writer, self string, convs []*chat.Conversation) {
	table := newTable(w, []string{"Conversation", "Peer", "Last Activity", "Preview"})
	for _, c := range convs {
		last := ""
		if !c.LastMessageAt.IsZero() {
			last = c.LastMessageAt.Local().Format(timeLayout)
		}
		table.Append([]string{c.ID, c.Peer(self), last, c.LastMessagePreview})
	}
	table.Render()
}

func renderMessages(w io.Writer, msgs []*chat.Message) {
	table := newTable(w, []string{"Seq", "At", "From", "Content"})
	for _, m := range msgs {
		table.Append([]string{strconv.FormatInt(m.Seq, 10), m.CreatedAt.Local().Format(timeLayout), m.SenderID, m.Content})
	}
	table.Render()
}

// printer formats live stream events for the terminal.
type printer struct {
	w       io.Writer
	colours bool
	self    string
}

func (p *printer) paint(style color.Style, s string) string {
	if !p.colours {
		return s
	}
	return style.Render(s)
}

// format returns the line to print for ev, or "" when there is nothing to show.
func (p *printer) format(ev *chatv1.ServerEvent) string {
	switch ev.Type {
	case chatv1.EventAuthenticated:
		p.self = ev.UserID
		return p.paint(color.New(color.FgGreen), "connected as "+ev.UserID)
	case chatv1.EventJoined:
		return p.paint(color.New(color.FgGray), "joined "+ev.ConversationID)
	case chatv1.EventLeft:
		return p.paint(color.New(color.FgGray), "left "+ev.ConversationID)
	case chatv1.EventConversation:
		return p.paint(color.New(color.FgGray), "conversation "+ev.ConversationID)
	case chatv1.EventMessage:
		m := ev.Message
		from := p.paint(color.New(color.FgCyan, color.OpBold), m.SenderID)
		if m.SenderID == p.self {
			from = p.paint(color.New(color.FgGreen, color.OpBold), "me")
		}
		return fmt.Sprintf("[%s #%d] %s: %s", m.CreatedAt.Local().Format("15:04:05"), m.Seq, from, m.Content)
	case chatv1.EventTyping:
		return p.paint(color.New(color.FgYellow), ev.FromUserID+" is typing...")
	case chatv1.EventStopTyping:
		return ""
	case chatv1.EventError:
		msg := fmt.Sprintf("error %s: %s", ev.Error.Code, ev.Error.Message)
		if ev.Error.Ref != "" {
			msg += " (" + ev.Error.Ref + ")"
		}
		return p.paint(color.New(color.FgRed), msg)
	}
	return ""
}

func (p *printer) print(ev *chatv1.ServerEvent) {
	if line := p.format(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}
