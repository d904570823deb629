package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/messagelog"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Messages sent back to clients
const (
	msgAuthFailed      = "authentication failed"
	msgUserNotFound    = "user not found"
	msgSessionReplaced = "session replaced by a new connection"
	msgRateLimited     = "rate limit exceeded, slow down"
	msgEmptyText       = "message text is empty"
	msgNotFound        = "message not found"
	msgNotOwner        = "you can only recall or delete your own messages"
	msgActionFailed    = "action failed"
)

// handleFrame dispatches one inbound frame. Unauthenticated connections may
// only authenticate; anything else they send is ignored.
func (s *Server) handleFrame(c *Client, data []byte) {
	if c.isClosed() {
		return
	}

	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		s.metrics.RecordFrameReceived(frameTypeMalformed)
		c.logger.Warn(c.ctx, "dropping frame", "error", err)
		return
	}
	s.metrics.RecordFrameReceived(frame.Type)

	if c.username == "" {
		if frame.Type == protocol.TypeAuth {
			s.handleAuth(c, frame)
		} else {
			c.logger.Debug(c.ctx, "ignoring frame before auth", "type", frame.Type)
		}
		return
	}

	if frame.Type == protocol.TypeAuth {
		c.logger.Debug(c.ctx, "ignoring repeated auth")
		return
	}

	if !c.allow() {
		s.metrics.RecordRateLimited()
		c.logger.Warn(c.ctx, "rate limit exceeded", "type", frame.Type)
		c.sendMessage(&protocol.ErrorMessage{Message: msgRateLimited})
		return
	}

	switch frame.Type {
	case protocol.TypeMessage:
		s.handlePost(c, frame)
	case protocol.TypeRecall:
		s.handleRecall(c, frame)
	case protocol.TypeDelete:
		s.handleDelete(c, frame)
	}
}

// handleAuth verifies the token and joins the connection to the room
func (s *Server) handleAuth(c *Client, frame *protocol.ClientFrame) {
	username, err := s.issuer.Verify(frame.Token)
	if err != nil {
		reason := authReasonTokenInvalid
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = authReasonTokenExpired
		}
		s.metrics.RecordAuthFailure(reason)
		c.logger.Info(c.ctx, "websocket auth rejected", "reason", reason, "error", err)
		s.rejectAuth(c, msgAuthFailed)
		return
	}

	exists, err := s.creds.Exists(c.ctx, username)
	if err != nil {
		c.logger.Error(c.ctx, "failed to look up user", "user", username, "error", err)
		s.rejectAuth(c, msgAuthFailed)
		return
	}
	if !exists {
		s.metrics.RecordAuthFailure(authReasonUnknownUser)
		c.logger.Info(c.ctx, "websocket auth rejected", "reason", authReasonUnknownUser, "user", username)
		s.rejectAuth(c, msgUserNotFound)
		return
	}

	c.username = username
	c.logger = c.logger.With("user", username)

	var prior Conn
	s.router.Commit(func(tx *Tx) error {
		prior = s.registry.Register(username, c)

		if err := tx.SendTo(c, &protocol.AuthSuccessMessage{Username: username}); err != nil {
			c.logger.Warn(c.ctx, "could not queue auth success", "error", err)
		}
		for _, rec := range s.messages.RecentVisible(s.config.RecentCount) {
			if err := tx.SendTo(c, &protocol.NewMessageMessage{Record: protocol.FromRecord(rec)}); err != nil {
				c.logger.Warn(c.ctx, "could not queue history", "error", err)
				break
			}
		}
		tx.AnnouncePresence(s.registry.Snapshot())

		if prior != nil {
			tx.SendTo(prior, &protocol.ErrorMessage{Message: msgSessionReplaced})
			closeConn(prior, protocol.CloseSessionReplaced, msgSessionReplaced)
		}
		return nil
	})

	if prior != nil {
		s.metrics.RecordSessionReplaced()
		c.logger.Info(c.ctx, "replaced existing session")
	}
	c.logger.Info(c.ctx, "user joined", "online", s.registry.Len())
}

func (s *Server) rejectAuth(c *Client, message string) {
	c.sendMessage(&protocol.AuthErrorMessage{Message: message})
	c.CloseWith(protocol.CloseAuthFailed, message)
}

// handlePost appends a message and announces it
func (s *Server) handlePost(c *Client, frame *protocol.ClientFrame) {
	var rec messagelog.Record
	err := s.router.Commit(func(tx *Tx) error {
		var err error
		rec, err = s.messages.Append(c.username, frame.Text, frame.QuoteMessageID)
		if err != nil {
			return err
		}
		tx.AnnounceMessage(rec)
		return nil
	})
	if err != nil {
		s.rejectAction(c, frame, err)
		return
	}

	s.metrics.RecordMessageLogSize(s.messages.Len())
	c.logger.Debug(c.ctx, "message posted", "id", rec.ID, "quoted", rec.Quote != nil)
}

// handleRecall hides a message from history and announces the recall
func (s *Server) handleRecall(c *Client, frame *protocol.ClientFrame) {
	err := s.router.Commit(func(tx *Tx) error {
		if err := s.messages.Recall(frame.MessageID, c.username); err != nil {
			return err
		}
		tx.AnnounceRecall(frame.MessageID)
		return nil
	})
	if err != nil {
		s.rejectAction(c, frame, err)
		return
	}
	c.logger.Debug(c.ctx, "message recalled", "id", frame.MessageID)
}

// handleDelete removes a message and announces the deletion
func (s *Server) handleDelete(c *Client, frame *protocol.ClientFrame) {
	err := s.router.Commit(func(tx *Tx) error {
		if err := s.messages.Delete(frame.MessageID, c.username); err != nil {
			return err
		}
		tx.AnnounceDelete(frame.MessageID)
		return nil
	})
	if err != nil {
		s.rejectAction(c, frame, err)
		return
	}

	s.metrics.RecordMessageLogSize(s.messages.Len())
	c.logger.Debug(c.ctx, "message deleted", "id", frame.MessageID)
}

// rejectAction logs a failed action and tells the sender. Nothing is
// broadcast.
func (s *Server) rejectAction(c *Client, frame *protocol.ClientFrame, err error) {
	c.logger.Info(c.ctx, "action rejected", "type", frame.Type, "message_id", frame.MessageID, "error", err)

	var text string
	switch {
	case errors.Is(err, messagelog.ErrEmptyText):
		text = msgEmptyText
	case errors.Is(err, messagelog.ErrTextTooLong):
		text = fmt.Sprintf("message exceeds %d characters", s.config.MaxMessageLength)
	case errors.Is(err, messagelog.ErrNotFound):
		text = msgNotFound
	case errors.Is(err, messagelog.ErrNotOwner):
		text = msgNotOwner
	default:
		text = msgActionFailed
	}
	c.sendMessage(&protocol.ErrorMessage{Message: text})
}

// disconnect runs once per connection when its read loop ends
func (s *Server) disconnect(c *Client) {
	c.Close()
	s.untrack(c)

	if c.username == "" {
		return
	}

	s.router.Commit(func(tx *Tx) error {
		if s.registry.Unregister(c.username, c) {
			tx.AnnouncePresence(s.registry.Snapshot())
		}
		return nil
	})
	c.logger.Info(c.ctx, "user left", "online", s.registry.Len())
}
