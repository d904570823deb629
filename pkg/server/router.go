package server

import (
	"context"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/logging"
	"github.com/aeolun/chatrelay/pkg/messagelog"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// encoder is implemented by every server -> client message in pkg/protocol
type encoder interface {
	Encode() ([]byte, error)
}

// Router fans events out to every registered connection.
//
// All events pass through one ordering lock. A log mutation and the
// broadcast it causes run together inside Commit, so the order in which the
// log changes is the order in which every connection's send queue sees the
// events. Sends only enqueue, so holding the lock never waits on the
// network.
type Router struct {
	mu       sync.Mutex
	registry *Registry
	logger   logging.Logger
	metrics  *Metrics
}

// NewRouter creates a router over registry
func NewRouter(registry *Registry, logger logging.Logger, metrics *Metrics) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Tx is the router as seen from inside Commit. It must not be used after
// Commit returns.
type Tx struct {
	r *Router
}

// Commit runs fn under the ordering lock and returns its error. Frames
// queued through tx are in every connection's queue before any later
// Commit starts.
func (r *Router) Commit(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Tx{r: r})
}

// AnnounceMessage broadcasts a newly posted record
func (tx *Tx) AnnounceMessage(rec messagelog.Record) {
	tx.r.broadcastLocked(protocol.TypeMessage, &protocol.NewMessageMessage{Record: protocol.FromRecord(rec)})
}

// AnnounceRecall broadcasts that a message was recalled
func (tx *Tx) AnnounceRecall(id string) {
	tx.r.broadcastLocked(protocol.TypeMessageRecalled, &protocol.MessageRecalledMessage{MessageID: id})
}

// AnnounceDelete broadcasts that a message was deleted
func (tx *Tx) AnnounceDelete(id string) {
	tx.r.broadcastLocked(protocol.TypeMessageDeleted, &protocol.MessageDeletedMessage{MessageID: id})
}

// AnnouncePresence broadcasts the full online set
func (tx *Tx) AnnouncePresence(users []string) {
	tx.r.broadcastLocked(protocol.TypeUsersUpdate, &protocol.UsersUpdateMessage{Users: users})
}

// SendTo queues msg for a single connection, in order with any broadcasts
// made in the same transaction.
func (tx *Tx) SendTo(conn Conn, msg encoder) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		tx.r.metrics.RecordSendFailure()
		return err
	}
	return nil
}

// AnnounceMessage broadcasts rec in its own transaction
func (r *Router) AnnounceMessage(rec messagelog.Record) {
	r.Commit(func(tx *Tx) error { tx.AnnounceMessage(rec); return nil })
}

// AnnounceRecall broadcasts a recall in its own transaction
func (r *Router) AnnounceRecall(id string) {
	r.Commit(func(tx *Tx) error { tx.AnnounceRecall(id); return nil })
}

// AnnounceDelete broadcasts a delete in its own transaction
func (r *Router) AnnounceDelete(id string) {
	r.Commit(func(tx *Tx) error { tx.AnnounceDelete(id); return nil })
}

// AnnouncePresence broadcasts users in its own transaction
func (r *Router) AnnouncePresence(users []string) {
	r.Commit(func(tx *Tx) error { tx.AnnouncePresence(users); return nil })
}

// broadcastLocked encodes msg once and queues it on every registered
// connection. A connection that cannot take the frame is closed; the
// others are unaffected. Returns the number of connections reached.
func (r *Router) broadcastLocked(eventType string, msg encoder) int {
	start := time.Now()

	data, err := msg.Encode()
	if err != nil {
		r.logger.Error(context.Background(), "failed to encode broadcast", "type", eventType, "error", err)
		return 0
	}

	delivered := 0
	r.registry.ForEach(func(username string, conn Conn) {
		if err := conn.Send(data); err != nil {
			r.metrics.RecordSendFailure()
			r.logger.Warn(context.Background(), "dropping connection after failed send",
				"user", username, "type", eventType, "error", err)
			conn.Close()
			return
		}
		delivered++
	})

	r.metrics.RecordBroadcast(eventType, delivered, time.Since(start).Seconds())
	r.logger.Debug(context.Background(), "broadcast", "type", eventType, "recipients", delivered)
	return delivered
}
