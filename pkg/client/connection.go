package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/gorilla/websocket"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// ErrNotConnected is returned by Send while no socket is open.
var ErrNotConnected = errors.New("not connected")

// ErrSessionEnded is reported when the server closed the session on purpose
// (bad token or replaced by another login). Such sessions are not resumed.
var ErrSessionEnded = errors.New("session ended by server")

const (
	writeTimeout = 10 * time.Second
	dialTimeout  = 10 * time.Second
)

// ConnectionInterface is what the UI needs from a connection
type ConnectionInterface interface {
	Send(frame protocol.ClientFrame) error
	Incoming() <-chan *protocol.ServerFrame
	StateChanges() <-chan ConnectionStateUpdate
	Close()
}

// Connection is an authenticated WebSocket session with the relay. It
// sends the auth frame on every (re)connect and delivers decoded server
// frames on Incoming.
type Connection struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu   sync.Mutex // guards ws and done, and serializes writes
	ws   *websocket.Conn
	done bool

	incoming    chan *protocol.ServerFrame
	stateChange chan ConnectionStateUpdate

	autoReconnect  bool
	reconnectDelay time.Duration

	logger *log.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a connection to the /ws endpoint at wsURL that
// authenticates with token.
func NewConnection(wsURL, token string) *Connection {
	return &Connection{
		url:            wsURL,
		token:          token,
		dialer:         &websocket.Dialer{HandshakeTimeout: dialTimeout},
		incoming:       make(chan *protocol.ServerFrame, 256),
		stateChange:    make(chan ConnectionStateUpdate, 16),
		autoReconnect:  true,
		reconnectDelay: 5 * time.Second,
		shutdown:       make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetReconnect configures automatic reconnection after a dropped socket.
func (c *Connection) SetReconnect(enabled bool, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = enabled
	if delay > 0 {
		c.reconnectDelay = delay
	}
}

func (c *Connection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Incoming returns decoded frames from the server
func (c *Connection) Incoming() <-chan *protocol.ServerFrame {
	return c.incoming
}

// StateChanges returns connection state transitions
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// Connect dials the server and sends the auth frame. The server's answer
// (auth_success or auth_error) arrives on Incoming.
func (c *Connection) Connect(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(ws)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	auth, err := (&protocol.ClientFrame{Type: protocol.TypeAuth, Token: c.token}).Encode()
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = ws.WriteMessage(websocket.TextMessage, auth)
	}
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		ws.Close()
		return nil, net.ErrClosed
	}
	c.ws = ws
	c.logf("connected to %s", c.url)
	return ws, nil
}

// run reads frames until the socket drops, then reconnects if allowed
func (c *Connection) run(ws *websocket.Conn) {
	defer c.wg.Done()
	for ws != nil {
		err := c.readFrames(ws)
		ws = c.resume(ws, err)
	}
}

func (c *Connection) readFrames(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			c.logf("dropping frame: %v", err)
			continue
		}
		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return net.ErrClosed
		}
	}
}

// resume handles a dropped socket. It returns the replacement socket, or
// nil when the connection should stay down.
func (c *Connection) resume(ws *websocket.Conn, cause error) *websocket.Conn {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	done, reconnect, delay := c.done, c.autoReconnect, c.reconnectDelay
	c.mu.Unlock()
	ws.Close()

	if done {
		return nil
	}
	if SessionEnded(cause) {
		cause = fmt.Errorf("%w: %v", ErrSessionEnded, cause)
		reconnect = false
	}
	c.logf("disconnected: %v", cause)
	c.notify(ConnectionStateUpdate{State: StateTypeDisconnected, Err: cause})
	if !reconnect {
		return nil
	}

	for attempt := 1; ; attempt++ {
		c.notify(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt})
		select {
		case <-time.After(delay):
		case <-c.shutdown:
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		next, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.notify(ConnectionStateUpdate{State: StateTypeConnected})
			return next
		}
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		c.logf("reconnect attempt %d failed: %v", attempt, err)
	}
}

func (c *Connection) notify(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
		c.logf("state change dropped: %+v", update)
	}
}

// Send writes one frame to the server
func (c *Connection) Send(frame protocol.ClientFrame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close ends the session with a normal close frame and stops reconnecting.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	close(c.shutdown)
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	}
	c.wg.Wait()
}

// SessionEnded reports whether err is the server deliberately ending the
// session rather than a dropped connection.
func SessionEnded(err error) bool {
	return errors.Is(err, ErrSessionEnded) ||
		websocket.IsCloseError(err, protocol.CloseAuthFailed, protocol.CloseSessionReplaced)
}
