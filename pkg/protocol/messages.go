package protocol

import (
	"encoding/json"
	"time"

	"github.com/aeolun/chatrelay/pkg/messagelog"
)

// Quote is the by-value copy of a quoted message.
type Quote struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Record is the wire form of a stored message. Type is always "message".
// QuoteMessage is null when the message quotes nothing.
type Record struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Sender       string    `json:"sender"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	QuoteMessage *Quote    `json:"quoteMessage"`
	Recalled     bool      `json:"recalled,omitempty"`
}

// FromRecord converts a log record to its wire form.
func FromRecord(r messagelog.Record) Record {
	out := Record{
		ID:        r.ID,
		Type:      TypeMessage,
		Sender:    r.Sender,
		Text:      r.Text,
		Timestamp: r.Timestamp,
		Recalled:  r.Recalled,
	}
	if r.Quote != nil {
		out.QuoteMessage = &Quote{Sender: r.Quote.Sender, Text: r.Quote.Text}
	}
	return out
}

// AuthSuccessMessage (server -> client) confirms authentication
type AuthSuccessMessage struct {
	Username string
}

func (m *AuthSuccessMessage) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		Username string `json:"username"`
	}{TypeAuthSuccess, m.Username})
}

// AuthErrorMessage (server -> client) reports a rejected token. The server
// closes the connection after sending it.
type AuthErrorMessage struct {
	Message string
}

func (m *AuthErrorMessage) Encode() ([]byte, error) {
	return encodeText(TypeAuthError, m.Message)
}

// ErrorMessage (server -> client) reports a rejected action to its sender
type ErrorMessage struct {
	Message string
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	return encodeText(TypeError, m.Message)
}

// NewMessageMessage (server -> client) carries a posted message
type NewMessageMessage struct {
	Record Record
}

func (m *NewMessageMessage) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message Record `json:"message"`
	}{TypeMessage, m.Record})
}

// MessageRecalledMessage (server -> client) announces a recall
type MessageRecalledMessage struct {
	MessageID string
}

func (m *MessageRecalledMessage) Encode() ([]byte, error) {
	return encodeID(TypeMessageRecalled, m.MessageID)
}

// MessageDeletedMessage (server -> client) announces a deletion
type MessageDeletedMessage struct {
	MessageID string
}

func (m *MessageDeletedMessage) Encode() ([]byte, error) {
	return encodeID(TypeMessageDeleted, m.MessageID)
}

// UsersUpdateMessage (server -> client) carries the full online set
type UsersUpdateMessage struct {
	Users []string
}

func (m *UsersUpdateMessage) Encode() ([]byte, error) {
	users := m.Users
	if users == nil {
		// always an array on the wire
		users = []string{}
	}
	return json.Marshal(struct {
		Type  string   `json:"type"`
		Users []string `json:"users"`
	}{TypeUsersUpdate, users})
}

func encodeText(typ, msg string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{typ, msg})
}

func encodeID(typ, id string) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
	}{typ, id})
}
