package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

// View renders the UI
func (m Model) View() string {
	if !m.ready {
		return "Connecting to " + m.opts.ServerURL + "..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		MessagePaneStyle.Render(m.viewport.View()),
		m.renderUsers(m.viewport.Height),
	)
	if m.showHelp {
		body = m.renderHelp()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		m.renderQuotePreview(),
		InputStyle.Width(m.width).Render(m.input.View()),
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	title := HeaderStyle.Render("chatrelay")
	who := m.username
	if who == "" {
		who = "-"
	}

	state := m.connectionState.String()
	if m.connectionState == StateReconnecting {
		state = fmt.Sprintf("reconnecting (attempt %d)", m.reconnectAttempt)
	}
	stateStyle := StatusStyle
	switch m.connectionState {
	case StateConnected:
		stateStyle = stateStyle.Foreground(SuccessColor)
	case StateDisconnected:
		stateStyle = stateStyle.Foreground(ErrorColor)
	case StateReconnecting:
		stateStyle = stateStyle.Foreground(WarningColor)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		title,
		StatusStyle.Render(who+" @ "+m.opts.ServerURL),
		stateStyle.Render("["+state+"]"),
	)
}

// renderMessages renders the message list as viewport content
func (m Model) renderMessages(width int) string {
	if len(m.messages) == 0 {
		return StatusStyle.Render("No messages yet. Say hello!")
	}

	var b strings.Builder
	for i, rec := range m.messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.renderMessage(i+1, rec, width))
	}
	return b.String()
}

func (m Model) renderMessage(n int, rec protocol.Record, width int) string {
	var parts []string

	prefix := MessageIndexStyle.Render(fmt.Sprintf("[%d]", n))
	if m.opts.ShowTimestamps {
		prefix += " " + MessageTimeStyle.Render(client.FormatTimestamp(rec.Timestamp, m.opts.TimestampFormat, m.now()))
	}

	author := MessageAuthorStyle
	if rec.Sender == m.username {
		author = OwnAuthorStyle
	}
	head := prefix + " " + author.Render(rec.Sender) + ": "

	if rec.QuoteMessage != nil {
		quoted := rec.QuoteMessage.Sender + ": " + client.Truncate(rec.QuoteMessage.Text, 80)
		parts = append(parts, QuoteStyle.Render(quoted))
	}

	var text string
	switch {
	case rec.Recalled:
		text = RecalledStyle.Render("(message recalled)")
	case client.Mentions(rec.Text, m.username) && rec.Sender != m.username:
		text = MentionStyle.Render(rec.Text)
	default:
		text = rec.Text
	}

	line := head + text
	if width > 0 {
		line = lipgloss.NewStyle().Width(width).Render(line)
	}
	parts = append(parts, line)
	return strings.Join(parts, "\n")
}

func (m Model) renderUsers(height int) string {
	var b strings.Builder
	b.WriteString(UserPaneTitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.users))))
	for _, u := range m.users {
		name := client.Truncate(u, userPaneWidth-6)
		if u == m.username {
			name += " (you)"
		}
		b.WriteString("\n" + OnlineDotStyle.Render("●") + " " + name)
	}
	return UserPaneStyle.Width(userPaneWidth - 2).Height(height).Render(b.String())
}

func (m Model) renderQuotePreview() string {
	if m.quote == nil {
		return ""
	}
	return QuotePreviewStyle.Render(fmt.Sprintf("quoting %s: %s  (esc to cancel)",
		m.quote.Sender, client.Truncate(m.quote.Text, 60)))
}

func (m Model) renderHelp() string {
	var b strings.Builder
	b.WriteString(UserPaneTitleStyle.Render("Commands") + "\n\n")
	for _, c := range Commands {
		usage := "/" + c.Name
		if c.Args != "" {
			usage += " " + c.Args
		}
		b.WriteString(fmt.Sprintf("  %-12s %s\n", usage, c.Help))
	}
	b.WriteString("\n  Message numbers are shown in [brackets]. PgUp/PgDn scroll, esc closes.")
	return MessagePaneStyle.Width(m.width - 2).Height(m.viewport.Height).Render(b.String())
}

func (m Model) renderFooter() string {
	if m.errorMessage != "" {
		return ErrorStyle.Render(m.errorMessage)
	}
	return FooterStyle.Render(m.statusMessage)
}
