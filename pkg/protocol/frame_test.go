package protocol

import (
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/messagelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ClientFrame
		wantErr error
	}{
		{
			name:  "auth",
			input: `{"type":"auth","token":"abc"}`,
			want:  ClientFrame{Type: TypeAuth, Token: "abc"},
		},
		{
			name:  "message with quote",
			input: `{"type":"message","text":"hi","quoteMessageId":"m1"}`,
			want:  ClientFrame{Type: TypeMessage, Text: "hi", QuoteMessageID: "m1"},
		},
		{
			name:  "message with null quote",
			input: `{"type":"message","text":"hi","quoteMessageId":null}`,
			want:  ClientFrame{Type: TypeMessage, Text: "hi"},
		},
		{
			name:  "recall",
			input: `{"type":"recall","messageId":"m1"}`,
			want:  ClientFrame{Type: TypeRecall, MessageID: "m1"},
		},
		{
			name:  "delete with extra fields",
			input: `{"type":"delete","messageId":"m2","extra":true}`,
			want:  ClientFrame{Type: TypeDelete, MessageID: "m2"},
		},
		{name: "not json", input: `hello`, wantErr: ErrMalformedFrame},
		{name: "array", input: `[1,2]`, wantErr: ErrMalformedFrame},
		{name: "missing type", input: `{"text":"hi"}`, wantErr: ErrMalformedFrame},
		{name: "wrong field type", input: `{"type":"message","text":5}`, wantErr: ErrMalformedFrame},
		{name: "unknown type", input: `{"type":"typing"}`, wantErr: ErrUnknownType},
		{name: "server type from client", input: `{"type":"users_update"}`, wantErr: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientFrame([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestClientFrame_Encode(t *testing.T) {
	f := &ClientFrame{Type: TypeMessage, Text: "hi"}
	data, err := f.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","text":"hi"}`, string(data))
}

func TestServerFrame_Record(t *testing.T) {
	data := []byte(`{"type":"message","message":{"id":"m1","type":"message","sender":"alice",` +
		`"text":"hi","timestamp":"2025-01-01T12:00:00Z","quoteMessage":{"sender":"bob","text":"yo"}}}`)

	f, err := DecodeServerFrame(data)
	require.NoError(t, err)

	rec, err := f.Record()
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	assert.Equal(t, "alice", rec.Sender)
	assert.Equal(t, "hi", rec.Text)
	assert.True(t, rec.Timestamp.Equal(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))
	require.NotNil(t, rec.QuoteMessage)
	assert.Equal(t, Quote{Sender: "bob", Text: "yo"}, *rec.QuoteMessage)
	assert.Empty(t, f.Text())
}

func TestServerFrame_Text(t *testing.T) {
	f, err := DecodeServerFrame([]byte(`{"type":"auth_error","message":"Invalid token"}`))
	require.NoError(t, err)
	assert.Equal(t, "Invalid token", f.Text())

	_, err = f.Record()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeServerFrame_Errors(t *testing.T) {
	_, err := DecodeServerFrame([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeServerFrame([]byte(`{`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

// TestServerFramesDecodeOnClient checks that every frame the server encodes
// is readable through ServerFrame.
func TestServerFramesDecodeOnClient(t *testing.T) {
	rec := FromRecord(messagelog.Record{
		ID: "m1", Sender: "alice", Text: "hi",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	encoders := map[string]interface{ Encode() ([]byte, error) }{
		TypeAuthSuccess:     &AuthSuccessMessage{Username: "alice"},
		TypeAuthError:       &AuthErrorMessage{Message: "Invalid token"},
		TypeError:           &ErrorMessage{Message: "nope"},
		TypeMessage:         &NewMessageMessage{Record: rec},
		TypeMessageRecalled: &MessageRecalledMessage{MessageID: "m1"},
		TypeMessageDeleted:  &MessageDeletedMessage{MessageID: "m1"},
		TypeUsersUpdate:     &UsersUpdateMessage{Users: []string{"alice", "bob"}},
	}

	for typ, enc := range encoders {
		t.Run(typ, func(t *testing.T) {
			data, err := enc.Encode()
			require.NoError(t, err)

			f, err := DecodeServerFrame(data)
			require.NoError(t, err)
			assert.Equal(t, typ, f.Type)
		})
	}
}

// TestDecodeClientFrame_NeverPanics feeds arbitrary bytes to the decoder.
func TestDecodeClientFrame_NeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		f, err := DecodeClientFrame(data)
		if err == nil && f == nil {
			t.Fatalf("nil frame without error")
		}
	})
}

// TestClientFrameRoundTrip: any frame a client encodes decodes to itself.
func TestClientFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := ClientFrame{
			Type:           rapid.SampledFrom([]string{TypeAuth, TypeMessage, TypeRecall, TypeDelete}).Draw(t, "type"),
			Token:          rapid.String().Draw(t, "token"),
			Text:           rapid.String().Draw(t, "text"),
			QuoteMessageID: rapid.String().Draw(t, "quote"),
			MessageID:      rapid.String().Draw(t, "id"),
		}

		data, err := original.Encode()
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeClientFrame(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if *decoded != original {
			t.Fatalf("round trip mismatch: got %+v, want %+v", *decoded, original)
		}
	})
}
