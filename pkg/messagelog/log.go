// Package messagelog keeps the bounded, ordered history of chat messages.
//
// Records are kept in insertion order. When the log grows past its capacity
// the oldest record is evicted, whether or not it has been recalled. Recall
// marks a record in place; delete removes it.
package messagelog

import (
	"container/list"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultCapacity is the number of records retained before eviction.
	DefaultCapacity = 500
	// DefaultRecent is the number of records sent to a newly joined client.
	DefaultRecent = 30
)

var (
	// ErrNotFound indicates the message id is unknown, evicted or deleted.
	ErrNotFound = errors.New("message not found")
	// ErrNotOwner indicates the requester did not send the message.
	ErrNotOwner = errors.New("message not sent by requester")
	// ErrEmptyText indicates a post without any visible text.
	ErrEmptyText = errors.New("message text is empty")
	// ErrTextTooLong indicates a post longer than the configured maximum.
	ErrTextTooLong = errors.New("message text too long")
)

// Quote is a by-value copy of the quoted message taken at posting time.
type Quote struct {
	Sender string
	Text   string
}

// Record is a stored chat message.
type Record struct {
	ID        string
	Sender    string
	Text      string
	Timestamp time.Time
	Quote     *Quote
	Recalled  bool
}

// Options configures a Log. Zero values fall back to defaults.
type Options struct {
	Capacity      int
	MaxTextLength int // in runes, 0 = unlimited
	Now           func() time.Time
	NewID         func() string
}

// Log is safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	order    *list.List               // of *Record, oldest at Front
	index    map[string]*list.Element // id -> element in order
	capacity int
	maxText  int
	now      func() time.Time
	newID    func() string
}

// New creates an empty log.
func New(opts Options) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}

	return &Log{
		order:    list.New(),
		index:    make(map[string]*list.Element),
		capacity: opts.Capacity,
		maxText:  opts.MaxTextLength,
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

// Append stores a new message at the tail. quoteID may be empty; an unknown
// quoteID yields a record without a quote rather than an error.
func (l *Log) Append(sender, text, quoteID string) (Record, error) {
	if strings.TrimSpace(text) == "" {
		return Record{}, ErrEmptyText
	}
	if l.maxText > 0 && utf8.RuneCountInString(text) > l.maxText {
		return Record{}, ErrTextTooLong
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{
		ID:        l.newID(),
		Sender:    sender,
		Text:      text,
		Timestamp: l.now().UTC(),
	}

	if quoteID != "" {
		if el, ok := l.index[quoteID]; ok {
			target := el.Value.(*Record)
			rec.Quote = &Quote{Sender: target.Sender, Text: target.Text}
		}
	}

	l.index[rec.ID] = l.order.PushBack(rec)

	for l.order.Len() > l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(*Record).ID)
	}

	return copyRecord(rec), nil
}

// Recall marks the message as recalled. Only the sender may recall.
func (l *Log) Recall(id, requester string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.ownedLocked(id, requester)
	if err != nil {
		return err
	}
	rec.Recalled = true
	return nil
}

// Delete removes the message entirely. Only the sender may delete.
func (l *Log) Delete(id, requester string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.ownedLocked(id, requester); err != nil {
		return err
	}
	l.order.Remove(l.index[id])
	delete(l.index, id)
	return nil
}

func (l *Log) ownedLocked(id, requester string) (*Record, error) {
	el, ok := l.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec := el.Value.(*Record)
	if rec.Sender != requester {
		return nil, ErrNotOwner
	}
	return rec, nil
}

// RecentVisible returns up to limit of the newest non-recalled records,
// oldest first.
func (l *Log) RecentVisible(limit int) []Record {
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, min(limit, l.order.Len()))
	for el := l.order.Back(); el != nil && len(out) < limit; el = el.Prev() {
		rec := el.Value.(*Record)
		if rec.Recalled {
			continue
		}
		out = append(out, copyRecord(rec))
	}

	// collected newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Get returns a copy of the record with the given id.
func (l *Log) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.index[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(el.Value.(*Record)), true
}

// Len returns the number of stored records, recalled ones included.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// IDs returns all stored ids in insertion order.
func (l *Log) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*Record).ID)
	}
	return ids
}

func copyRecord(r *Record) Record {
	c := *r
	if r.Quote != nil {
		q := *r.Quote
		c.Quote = &q
	}
	return c
}
