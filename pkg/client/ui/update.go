package ui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.viewportSize()
		if !m.ready {
			m.viewport = viewport.New(w, h)
			m.ready = true
		} else {
			m.viewport.Width = w
			m.viewport.Height = h
		}
		m.input.Width = msg.Width - 4
		m.refreshViewport()
		return m, nil

	case ServerFrameMsg:
		model, cmd := m.handleServerFrame(msg.Frame)
		return model, tea.Batch(cmd, listenForServerFrames(m.conn))

	case ConnectionStateMsg:
		m.handleStateChange(msg.Update)
		return m, listenForServerFrames(m.conn)

	case SendErrorMsg:
		m.errorMessage = "send failed: " + msg.Err.Error()
		return m, nil
	}

	return m, nil
}

func (m *Model) viewportSize() (int, int) {
	// header, input border + line, quote line, footer
	h := m.height - 7
	if h < 3 {
		h = 3
	}
	w := m.width - userPaneWidth - 2
	if w < 20 {
		w = 20
	}
	return w, h
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		if m.quote != nil {
			m.quote = nil
			return m, nil
		}
		m.showHelp = false
		return m, nil
	case tea.KeyEnter:
		return m.submit()
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the input line as a message or runs it as a command
func (m Model) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return m, nil
	}
	m.input.Reset()
	m.errorMessage = ""

	if strings.HasPrefix(line, "/") {
		return m.runCommand(line)
	}

	if !m.authenticated {
		m.errorMessage = "not connected yet"
		return m, nil
	}

	frame := protocol.ClientFrame{Type: protocol.TypeMessage, Text: line}
	if m.quote != nil {
		frame.QuoteMessageID = m.quote.ID
		m.quote = nil
	}
	return m, sendFrame(m.conn, frame)
}

// Command describes one slash command for /help
type Command struct {
	Name string
	Args string
	Help string
}

// Commands lists the slash commands the input line understands
var Commands = []Command{
	{"quote", "N", "quote message N in your next message"},
	{"recall", "N", "recall your message N (shown as recalled)"},
	{"delete", "N", "delete your message N for everyone"},
	{"users", "", "list online users"},
	{"help", "", "toggle this help"},
	{"quit", "", "leave the chat"},
}

func (m Model) runCommand(line string) (tea.Model, tea.Cmd) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit":
		return m, tea.Quit
	case "help":
		m.showHelp = !m.showHelp
		return m, nil
	case "users":
		m.statusMessage = fmt.Sprintf("online (%d): %s", len(m.users), strings.Join(m.users, ", "))
		return m, nil
	case "quote":
		rec, err := m.lookup(arg)
		if err != nil {
			m.errorMessage = err.Error()
			return m, nil
		}
		if rec.Recalled {
			m.errorMessage = "cannot quote a recalled message"
			return m, nil
		}
		m.quote = &rec
		return m, nil
	case "recall", "delete":
		rec, err := m.lookup(arg)
		if err != nil {
			m.errorMessage = err.Error()
			return m, nil
		}
		if rec.Sender != m.username {
			m.errorMessage = "you can only " + name + " your own messages"
			return m, nil
		}
		frameType := protocol.TypeRecall
		if name == "delete" {
			frameType = protocol.TypeDelete
		}
		return m, sendFrame(m.conn, protocol.ClientFrame{Type: frameType, MessageID: rec.ID})
	}

	m.errorMessage = "unknown command /" + name
	return m, nil
}

// lookup resolves the 1-based message number shown in the list
func (m Model) lookup(arg string) (protocol.Record, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return protocol.Record{}, errors.New("expected a message number")
	}
	if n < 1 || n > len(m.messages) {
		return protocol.Record{}, fmt.Errorf("no message %d", n)
	}
	return m.messages[n-1], nil
}

func (m Model) handleServerFrame(frame *protocol.ServerFrame) (Model, tea.Cmd) {
	var cmd tea.Cmd

	switch frame.Type {
	case protocol.TypeAuthSuccess:
		m.authenticated = true
		m.connectionState = StateConnected
		m.username = frame.Username
		// history follows, replacing whatever we had before a reconnect
		m.messages = nil
		m.quote = nil
		m.errorMessage = ""
		m.statusMessage = "connected as " + frame.Username

	case protocol.TypeAuthError:
		m.authenticated = false
		m.sessionEnded = true
		m.errorMessage = "authentication failed: " + frame.Text()

	case protocol.TypeMessage:
		rec, err := frame.Record()
		if err != nil {
			m.errorMessage = "bad message from server: " + err.Error()
			break
		}
		m.messages = append(m.messages, rec)
		if len(m.messages) > maxMessages {
			m.messages = m.messages[len(m.messages)-maxMessages:]
		}
		if m.shouldNotify(rec) {
			cmd = m.notify(rec)
		}

	case protocol.TypeMessageRecalled:
		if i := m.messageIndex(frame.MessageID); i >= 0 {
			m.messages[i].Recalled = true
			m.messages[i].Text = ""
			m.messages[i].QuoteMessage = nil
		}
		if m.quote != nil && m.quote.ID == frame.MessageID {
			m.quote = nil
		}

	case protocol.TypeMessageDeleted:
		if i := m.messageIndex(frame.MessageID); i >= 0 {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
		}
		if m.quote != nil && m.quote.ID == frame.MessageID {
			m.quote = nil
		}

	case protocol.TypeUsersUpdate:
		m.users = frame.Users

	case protocol.TypeError:
		m.errorMessage = frame.Text()
	}

	m.refreshViewport()
	return m, cmd
}

func (m *Model) handleStateChange(update client.ConnectionStateUpdate) {
	switch update.State {
	case client.StateTypeConnected:
		// auth was resent; wait for auth_success before accepting input
		m.connectionState = StateConnecting
		m.reconnectAttempt = 0
		m.statusMessage = "reconnected, authenticating..."
	case client.StateTypeReconnecting:
		m.connectionState = StateReconnecting
		m.reconnectAttempt = update.Attempt
	case client.StateTypeDisconnected:
		m.connectionState = StateDisconnected
		m.authenticated = false
		m.users = nil
		if client.SessionEnded(update.Err) {
			m.sessionEnded = true
			if m.errorMessage == "" {
				m.errorMessage = "session ended by server"
			}
		}
	}
}

func (m Model) shouldNotify(rec protocol.Record) bool {
	return m.opts.Notify && rec.Sender != m.username && client.Mentions(rec.Text, m.username)
}

func (m Model) notify(rec protocol.Record) tea.Cmd {
	notifier := m.opts.Notifier
	body := fmt.Sprintf("%s: %s", rec.Sender, client.Truncate(rec.Text, 100))
	return func() tea.Msg {
		// best effort, no desktop session is common over ssh
		_ = notifier("chatrelay", body)
		return nil
	}
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages(m.viewport.Width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}
