package ui

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// mockConn records sent frames
type mockConn struct {
	mu       sync.Mutex
	sent     []protocol.ClientFrame
	sendErr  error
	incoming chan *protocol.ServerFrame
	states   chan client.ConnectionStateUpdate
}

func newMockConn() *mockConn {
	return &mockConn{
		incoming: make(chan *protocol.ServerFrame, 16),
		states:   make(chan client.ConnectionStateUpdate, 16),
	}
}

func (c *mockConn) Send(frame protocol.ClientFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *mockConn) Incoming() <-chan *protocol.ServerFrame { return c.incoming }
func (c *mockConn) StateChanges() <-chan client.ConnectionStateUpdate { return c.states }
func (c *mockConn) Close() {}

func (c *mockConn) lastSent(t *testing.T) protocol.ClientFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return c.sent[len(c.sent)-1]
}

func (c *mockConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// newTestModel returns a sized model already authenticated as alice
func newTestModel(t *testing.T, opts Options) (Model, *mockConn) {
	t.Helper()
	conn := newMockConn()
	if opts.Username == "" {
		opts.Username = "alice"
	}
	m := NewModel(conn, opts)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local) }
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeAuthSuccess, Username: opts.Username})
	return m, conn
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func frame(t *testing.T, m Model, f *protocol.ServerFrame) Model {
	t.Helper()
	return update(t, m, ServerFrameMsg{Frame: f})
}

func messageFrame(t *testing.T, rec protocol.Record) *protocol.ServerFrame {
	t.Helper()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Date(2024, 5, 1, 11, 30, 0, 0, time.Local)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	return &protocol.ServerFrame{Type: protocol.TypeMessage, Message: raw}
}

// typeLine types s into the input and presses enter, running the command
func typeLine(t *testing.T, m Model, s string) (Model, tea.Cmd) {
	t.Helper()
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		if msg := cmd(); msg != nil {
			if _, isQuit := msg.(tea.QuitMsg); !isQuit {
				next, _ = next.Update(msg)
			}
		}
	}
	return next.(Model), cmd
}

func TestAuthSuccessResetsState(t *testing.T) {
	m, _ := newTestModel(t, Options{})
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m1", Sender: "bob", Text: "old"}))

	// a reconnect delivers a fresh snapshot
	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeAuthSuccess, Username: "alice"})
	if len(m.Messages()) != 0 {
		t.Fatalf("messages not reset: %v", m.Messages())
	}
	if m.connectionState != StateConnected || !m.authenticated {
		t.Errorf("state = %v authenticated = %v", m.connectionState, m.authenticated)
	}
}

func TestMessageLifecycle(t *testing.T) {
	m, _ := newTestModel(t, Options{})

	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m1", Sender: "bob", Text: "one"}))
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m2", Sender: "alice", Text: "two"}))
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m3", Sender: "bob", Text: "three"}))

	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeMessageRecalled, MessageID: "m2"})
	msgs := m.Messages()
	if !msgs[1].Recalled || msgs[1].Text != "" {
		t.Errorf("m2 not recalled: %+v", msgs[1])
	}

	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeMessageDeleted, MessageID: "m1"})
	var ids []string
	for _, rec := range m.Messages() {
		ids = append(ids, rec.ID)
	}
	if strings.Join(ids, ",") != "m2,m3" {
		t.Errorf("ids = %v, want [m2 m3]", ids)
	}

	// unknown ids are ignored
	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeMessageDeleted, MessageID: "nope"})
	if len(m.Messages()) != 2 {
		t.Errorf("len = %d, want 2", len(m.Messages()))
	}
}

func TestUsersAndErrors(t *testing.T) {
	m, _ := newTestModel(t, Options{})

	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeUsersUpdate, Users: []string{"alice", "bob"}})
	if strings.Join(m.Users(), ",") != "alice,bob" {
		t.Errorf("users = %v", m.Users())
	}

	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeError, Message: json.RawMessage(`"message not found"`)})
	if m.errorMessage != "message not found" {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestSendMessage(t *testing.T) {
	m, conn := newTestModel(t, Options{})

	m, _ = typeLine(t, m, "hello there")
	got := conn.lastSent(t)
	if got.Type != protocol.TypeMessage || got.Text != "hello there" || got.QuoteMessageID != "" {
		t.Errorf("sent %+v", got)
	}
	if m.input.Value() != "" {
		t.Errorf("input not cleared: %q", m.input.Value())
	}

	// blank lines send nothing
	typeLine(t, m, "   ")
	if conn.sentCount() != 1 {
		t.Errorf("sent %d frames, want 1", conn.sentCount())
	}
}

func TestSendBeforeAuthIsRefused(t *testing.T) {
	conn := newMockConn()
	m := NewModel(conn, Options{Username: "alice"})
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})

	m, _ = typeLine(t, m, "too early")
	if conn.sentCount() != 0 {
		t.Error("frame sent before auth_success")
	}
	if m.errorMessage == "" {
		t.Error("expected an error message")
	}
}

func TestQuoteCommand(t *testing.T) {
	m, conn := newTestModel(t, Options{})
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m1", Sender: "bob", Text: "quote me"}))

	m, _ = typeLine(t, m, "/quote 1")
	if m.quote == nil || m.quote.ID != "m1" {
		t.Fatalf("quote = %+v", m.quote)
	}
	if !strings.Contains(m.renderQuotePreview(), "quote me") {
		t.Errorf("preview = %q", m.renderQuotePreview())
	}

	m, _ = typeLine(t, m, "agreed")
	got := conn.lastSent(t)
	if got.QuoteMessageID != "m1" || got.Text != "agreed" {
		t.Errorf("sent %+v", got)
	}
	if m.quote != nil {
		t.Error("quote should clear after sending")
	}

	m, _ = typeLine(t, m, "/quote 9")
	if m.errorMessage != "no message 9" {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestQuoteClearedByEscAndRecall(t *testing.T) {
	m, _ := newTestModel(t, Options{})
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m1", Sender: "bob", Text: "x"}))

	m, _ = typeLine(t, m, "/quote 1")
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.quote != nil {
		t.Error("esc should cancel the quote")
	}

	m, _ = typeLine(t, m, "/quote 1")
	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeMessageRecalled, MessageID: "m1"})
	if m.quote != nil {
		t.Error("recalling the quoted message should cancel the quote")
	}

	m, _ = typeLine(t, m, "/quote 1")
	if m.quote != nil || m.errorMessage == "" {
		t.Error("recalled messages cannot be quoted")
	}
}

func TestRecallAndDeleteCommands(t *testing.T) {
	m, conn := newTestModel(t, Options{})
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m1", Sender: "alice", Text: "mine"}))
	m = frame(t, m, messageFrame(t, protocol.Record{ID: "m2", Sender: "bob", Text: "theirs"}))

	m, _ = typeLine(t, m, "/recall 1")
	if got := conn.lastSent(t); got.Type != protocol.TypeRecall || got.MessageID != "m1" {
		t.Errorf("sent %+v", got)
	}

	m, _ = typeLine(t, m, "/delete 1")
	if got := conn.lastSent(t); got.Type != protocol.TypeDelete || got.MessageID != "m1" {
		t.Errorf("sent %+v", got)
	}

	m, _ = typeLine(t, m, "/delete 2")
	if conn.sentCount() != 2 {
		t.Error("deleting someone else's message should not be sent")
	}
	if !strings.Contains(m.errorMessage, "own messages") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}

	m, _ = typeLine(t, m, "/recall abc")
	if m.errorMessage != "expected a message number" {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestUnknownAndQuitCommands(t *testing.T) {
	m, _ := newTestModel(t, Options{})

	m, _ = typeLine(t, m, "/frobnicate")
	if m.errorMessage != "unknown command /frobnicate" {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}

	_, cmd := typeLine(t, m, "/quit")
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("/quit should quit")
	}
}

func TestSendErrorShown(t *testing.T) {
	m, conn := newTestModel(t, Options{})
	conn.sendErr = client.ErrNotConnected

	m, _ = typeLine(t, m, "hello")
	if !strings.Contains(m.errorMessage, "not connected") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestConnectionStates(t *testing.T) {
	m, _ := newTestModel(t, Options{})
	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeUsersUpdate, Users: []string{"alice"}})

	m = update(t, m, ConnectionStateMsg{Update: client.ConnectionStateUpdate{State: client.StateTypeDisconnected, Err: errors.New("eof")}})
	if m.connectionState != StateDisconnected || m.authenticated || len(m.Users()) != 0 {
		t.Errorf("after drop: state=%v auth=%v users=%v", m.connectionState, m.authenticated, m.Users())
	}
	if m.SessionEnded() {
		t.Error("a dropped socket is not an ended session")
	}

	m = update(t, m, ConnectionStateMsg{Update: client.ConnectionStateUpdate{State: client.StateTypeReconnecting, Attempt: 3}})
	if m.connectionState != StateReconnecting || m.reconnectAttempt != 3 {
		t.Errorf("state=%v attempt=%d", m.connectionState, m.reconnectAttempt)
	}
	if !strings.Contains(m.renderHeader(), "attempt 3") {
		t.Errorf("header = %q", m.renderHeader())
	}

	m = update(t, m, ConnectionStateMsg{Update: client.ConnectionStateUpdate{State: client.StateTypeConnected}})
	if m.connectionState != StateConnecting {
		t.Errorf("state=%v, want connecting until auth_success", m.connectionState)
	}

	m = update(t, m, ConnectionStateMsg{Update: client.ConnectionStateUpdate{
		State: client.StateTypeDisconnected,
		Err:   client.ErrSessionEnded,
	}})
	if !m.SessionEnded() {
		t.Error("expected session ended")
	}
}

func TestAuthError(t *testing.T) {
	conn := newMockConn()
	m := NewModel(conn, Options{Username: "alice"})
	m = frame(t, m, &protocol.ServerFrame{Type: protocol.TypeAuthError, Message: json.RawMessage(`"authentication failed"`)})

	if !m.SessionEnded() || m.authenticated {
		t.Error("auth_error should end the session")
	}
	if !strings.Contains(m.errorMessage, "authentication failed") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestMentionNotification(t *testing.T) {
	var notified []string
	notifier := func(title, body string) error {
		notified = append(notified, body)
		return nil
	}
	m, _ := newTestModel(t, Options{Notify: true, Notifier: notifier})

	run := func(m Model, rec protocol.Record) Model {
		next, cmd := m.handleServerFrame(messageFrame(t, rec))
		if cmd != nil {
			cmd()
		}
		return next
	}

	m = run(m, protocol.Record{ID: "m1", Sender: "bob", Text: "hey @alice"})
	m = run(m, protocol.Record{ID: "m2", Sender: "bob", Text: "no mention"})
	m = run(m, protocol.Record{ID: "m3", Sender: "alice", Text: "talking to @alice myself"})

	if len(notified) != 1 || notified[0] != "bob: hey @alice" {
		t.Errorf("notified = %v", notified)
	}

	off, _ := newTestModel(t, Options{Notifier: notifier})
	if off.shouldNotify(protocol.Record{Sender: "bob", Text: "@alice"}) {
		t.Error("notifications are opt-in")
	}
}

func TestMaxMessagesBound(t *testing.T) {
	m, _ := newTestModel(t, Options{})
	for i := 0; i < maxMessages+5; i++ {
		m = frame(t, m, messageFrame(t, protocol.Record{ID: fmt.Sprintf("m%d", i), Sender: "bob", Text: "x"}))
	}
	if len(m.Messages()) != maxMessages {
		t.Errorf("len = %d, want %d", len(m.Messages()), maxMessages)
	}
}
