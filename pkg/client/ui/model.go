package ui

import (
	"time"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// ConnectionState is the session status shown in the header
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// maxMessages bounds the local message list
const maxMessages = 1000

const userPaneWidth = 22

// Options configures the chat view
type Options struct {
	Username        string
	ServerURL       string
	Notify          bool
	ShowTimestamps  bool
	TimestampFormat string
	MaxMessageLen   int

	// Notifier delivers desktop notifications. Defaults to beeep.
	Notifier func(title, body string) error
}

// Model is the bubbletea model of the chat room
type Model struct {
	conn client.ConnectionInterface
	opts Options

	username      string
	authenticated bool
	messages      []protocol.Record
	users         []string
	quote         *protocol.Record

	connectionState  ConnectionState
	reconnectAttempt int
	sessionEnded     bool

	input    textinput.Model
	viewport viewport.Model
	ready    bool
	width    int
	height   int

	statusMessage string
	errorMessage  string
	showHelp      bool

	now func() time.Time
}

// NewModel creates the chat model. The connection must already have been
// started; the auth answer arrives as the first server frame.
func NewModel(conn client.ConnectionInterface, opts Options) Model {
	if opts.Notifier == nil {
		opts.Notifier = func(title, body string) error {
			return beeep.Notify(title, body, "")
		}
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 2000
	}

	input := textinput.New()
	input.Placeholder = "Type a message, /help for commands"
	input.CharLimit = opts.MaxMessageLen
	input.Prompt = "> "
	input.Focus()

	return Model{
		conn:            conn,
		opts:            opts,
		username:        opts.Username,
		connectionState: StateConnecting,
		input:           input,
		statusMessage:   "authenticating...",
		now:             time.Now,
	}
}

// ServerFrameMsg carries a frame from the server
type ServerFrameMsg struct {
	Frame *protocol.ServerFrame
}

// ConnectionStateMsg carries a connection state transition
type ConnectionStateMsg struct {
	Update client.ConnectionStateUpdate
}

// SendErrorMsg reports a frame that could not be written
type SendErrorMsg struct {
	Err error
}

// Init starts listening for server traffic
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		listenForServerFrames(m.conn),
		textinput.Blink,
	)
}

// listenForServerFrames waits for the next frame or state change
func listenForServerFrames(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case frame := <-conn.Incoming():
			return ServerFrameMsg{Frame: frame}
		case update := <-conn.StateChanges():
			return ConnectionStateMsg{Update: update}
		}
	}
}

func sendFrame(conn client.ConnectionInterface, frame protocol.ClientFrame) tea.Cmd {
	return func() tea.Msg {
		if err := conn.Send(frame); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}

// Messages returns the current message list, oldest first
func (m Model) Messages() []protocol.Record {
	return m.messages
}

// Users returns the online users as last announced by the server
func (m Model) Users() []string {
	return m.users
}

// Username returns the authenticated username
func (m Model) Username() string {
	return m.username
}

// SessionEnded reports whether the server ended the session for good
func (m Model) SessionEnded() bool {
	return m.sessionEnded
}

// messageIndex returns the position of the message with id, or -1
func (m Model) messageIndex(id string) int {
	for i := range m.messages {
		if m.messages[i].ID == id {
			return i
		}
	}
	return -1
}
