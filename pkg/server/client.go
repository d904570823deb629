package server

import (
	"context"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/logging"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client is one WebSocket connection. It implements Conn.
//
// Frames are read and handled in arrival order by readPump. Everything sent
// to the client goes through the bounded send queue, which writePump
// drains; only writePump touches the socket for writing.
type Client struct {
	id      string
	srv     *Server
	ws      *websocket.Conn
	remote  string
	ctx     context.Context
	logger  logging.Logger
	limiter *rate.Limiter // nil = unlimited

	mu        sync.Mutex
	send      chan []byte
	closed    bool
	closeCode int
	closeText string

	// owned by readPump; empty until authenticated
	username string
}

func newClient(srv *Server, ws *websocket.Conn, id, remote string) *Client {
	c := &Client{
		id:        id,
		srv:       srv,
		ws:        ws,
		remote:    remote,
		ctx:       srv.baseCtx,
		logger:    srv.logger.With("conn_id", id, "remote", remote),
		send:      make(chan []byte, srv.config.SendQueueSize),
		closeCode: websocket.CloseNormalClosure,
	}
	if n := srv.config.MessageRateLimit; n > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return c
}

// Send queues frame without blocking
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close closes the connection with a normal close frame. Frames already
// queued are still written first.
func (c *Client) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith closes the connection with the given close code and reason
func (c *Client) CloseWith(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeReason() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// sendMessage encodes and queues a single frame for this client only
func (c *Client) sendMessage(msg encoder) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error(c.ctx, "failed to encode frame", "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		c.srv.metrics.RecordSendFailure()
		c.logger.Debug(c.ctx, "could not queue frame", "error", err)
	}
}

// readPump handles inbound frames until the connection fails or is closed
func (c *Client) readPump() {
	defer c.srv.wg.Done()
	defer c.srv.disconnect(c)

	cfg := c.srv.config
	if cfg.MaxFrameBytes > 0 {
		c.ws.SetReadLimit(cfg.MaxFrameBytes)
	}
	c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info(c.ctx, "connection lost", "error", err)
			}
			return
		}
		c.srv.handleFrame(c, data)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. When the queue is closed it sends a close frame and shuts the
// socket, which also ends readPump.
func (c *Client) writePump() {
	defer c.srv.wg.Done()

	cfg := c.srv.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				code, text := c.closeReason()
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug(c.ctx, "write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// allow reports whether another action frame fits in the rate limit
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}
