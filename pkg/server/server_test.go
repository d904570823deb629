package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/logging"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const readTimeout = 3 * time.Second

type testEnv struct {
	srv *Server
	ts  *httptest.Server
}

// startTestServer runs a server over httptest with an in-memory user store.
// One account per origin is off because every test client is 127.0.0.1.
func startTestServer(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.JWTSecret = "test-secret"
	cfg.BcryptCost = bcrypt.MinCost
	cfg.OneAccountPerOrigin = false
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := newServer(cfg, logging.Nop(), database.NewMemStore())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &testEnv{srv: srv, ts: ts}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, header http.Header) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// login registers username and returns a session token
func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()

	creds := protocol.CredentialsRequest{Username: username, Password: "pw-" + username}
	resp := e.postJSON(t, "/api/auth/register", creds, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.postJSON(t, "/api/auth/login", creds, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out protocol.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// join dials, authenticates and consumes auth_success
func (e *testEnv) join(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	ws := e.dial(t)
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeAuth, Token: token})
	f := expect(t, ws, protocol.TypeAuthSuccess)
	require.NotEmpty(t, f.Username)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame protocol.ClientFrame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func read(t *testing.T, ws *websocket.Conn) *protocol.ServerFrame {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.DecodeServerFrame(data)
	require.NoError(t, err)
	return f
}

func expect(t *testing.T, ws *websocket.Conn, typ string) *protocol.ServerFrame {
	t.Helper()
	f := read(t, ws)
	require.Equal(t, typ, f.Type, "unexpected frame %+v", f)
	return f
}

func expectUsers(t *testing.T, ws *websocket.Conn, users ...string) {
	t.Helper()
	f := expect(t, ws, protocol.TypeUsersUpdate)
	assert.Equal(t, users, f.Users)
}

func expectRecord(t *testing.T, ws *websocket.Conn) protocol.Record {
	t.Helper()
	rec, err := expect(t, ws, protocol.TypeMessage).Record()
	require.NoError(t, err)
	return rec
}

// expectClose reads until the server closes the connection and returns the
// close code
func expectClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if assert.ErrorAs(t, err, &ce) {
			return ce.Code
		}
		return 0
	}
}

func TestChat_AliceAndBob(t *testing.T) {
	env := startTestServer(t)
	aliceTok := env.login(t, "alice")
	bobTok := env.login(t, "bob")

	alice := env.join(t, aliceTok)
	expectUsers(t, alice, "alice")

	bob := env.join(t, bobTok)
	expectUsers(t, bob, "alice", "bob")
	expectUsers(t, alice, "alice", "bob")

	// post
	send(t, alice, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "hi"})
	a1 := expectRecord(t, alice)
	b1 := expectRecord(t, bob)
	assert.Equal(t, a1, b1)
	assert.Equal(t, "alice", a1.Sender)
	assert.Equal(t, "hi", a1.Text)
	assert.Equal(t, protocol.TypeMessage, a1.Type)
	assert.Nil(t, a1.QuoteMessage)
	assert.NotEmpty(t, a1.ID)

	// quote
	send(t, bob, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "hey", QuoteMessageID: a1.ID})
	quoted := expectRecord(t, alice)
	assert.Equal(t, quoted, expectRecord(t, bob))
	require.NotNil(t, quoted.QuoteMessage)
	assert.Equal(t, protocol.Quote{Sender: "alice", Text: "hi"}, *quoted.QuoteMessage)

	// bob may not recall alice's message
	send(t, bob, protocol.ClientFrame{Type: protocol.TypeRecall, MessageID: a1.ID})
	assert.Equal(t, msgNotOwner, expect(t, bob, protocol.TypeError).Text())

	// alice recalls; the next thing alice sees is the recall, not an error
	send(t, alice, protocol.ClientFrame{Type: protocol.TypeRecall, MessageID: a1.ID})
	assert.Equal(t, a1.ID, expect(t, alice, protocol.TypeMessageRecalled).MessageID)
	assert.Equal(t, a1.ID, expect(t, bob, protocol.TypeMessageRecalled).MessageID)

	// bob deletes his own message, then a second delete fails
	send(t, bob, protocol.ClientFrame{Type: protocol.TypeDelete, MessageID: quoted.ID})
	assert.Equal(t, quoted.ID, expect(t, alice, protocol.TypeMessageDeleted).MessageID)
	assert.Equal(t, quoted.ID, expect(t, bob, protocol.TypeMessageDeleted).MessageID)

	send(t, bob, protocol.ClientFrame{Type: protocol.TypeDelete, MessageID: quoted.ID})
	assert.Equal(t, msgNotFound, expect(t, bob, protocol.TypeError).Text())

	// bob leaves
	bob.Close()
	expectUsers(t, alice, "alice")
}

func TestChat_HistoryOnJoin(t *testing.T) {
	env := startTestServer(t, func(c *ServerConfig) { c.RecentCount = 3 })
	aliceTok := env.login(t, "alice")
	carolTok := env.login(t, "carol")

	alice := env.join(t, aliceTok)
	expectUsers(t, alice, "alice")

	var ids []string
	for i := 0; i < 5; i++ {
		send(t, alice, protocol.ClientFrame{Type: protocol.TypeMessage, Text: fmt.Sprintf("m%d", i)})
		ids = append(ids, expectRecord(t, alice).ID)
	}
	send(t, alice, protocol.ClientFrame{Type: protocol.TypeRecall, MessageID: ids[4]})
	expect(t, alice, protocol.TypeMessageRecalled)

	// auth_success, then the newest three visible records, then presence
	carol := env.join(t, carolTok)
	var texts []string
	for i := 0; i < 3; i++ {
		texts = append(texts, expectRecord(t, carol).Text)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, texts)
	expectUsers(t, carol, "alice", "carol")
	expectUsers(t, alice, "alice", "carol")
}

func TestChat_InvalidToken(t *testing.T) {
	env := startTestServer(t)

	ws := env.dial(t)
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeAuth, Token: "garbage"})
	assert.Equal(t, msgAuthFailed, expect(t, ws, protocol.TypeAuthError).Text())
	assert.Equal(t, protocol.CloseAuthFailed, expectClose(t, ws))
	assert.Equal(t, 0, env.srv.registry.Len())
}

func TestChat_TokenForUnknownUser(t *testing.T) {
	env := startTestServer(t)
	token, err := env.srv.issuer.Issue("ghost")
	require.NoError(t, err)

	ws := env.dial(t)
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeAuth, Token: token})
	assert.Equal(t, msgUserNotFound, expect(t, ws, protocol.TypeAuthError).Text())
	expectClose(t, ws)
}

func TestChat_FramesBeforeAuthIgnored(t *testing.T) {
	env := startTestServer(t)
	token := env.login(t, "alice")

	ws := env.dial(t)
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "too early"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeAuth, Token: token})

	expect(t, ws, protocol.TypeAuthSuccess)
	// no history: the early message was never stored
	expectUsers(t, ws, "alice")
	assert.Equal(t, 0, env.srv.messages.Len())
}

func TestChat_RepeatedAuthIgnored(t *testing.T) {
	env := startTestServer(t)
	token := env.login(t, "alice")

	ws := env.join(t, token)
	expectUsers(t, ws, "alice")

	send(t, ws, protocol.ClientFrame{Type: protocol.TypeAuth, Token: token})
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "still here"})
	assert.Equal(t, "still here", expectRecord(t, ws).Text)
}

func TestChat_SessionReplaced(t *testing.T) {
	env := startTestServer(t)
	aliceTok := env.login(t, "alice")
	bobTok := env.login(t, "bob")

	bob := env.join(t, bobTok)
	expectUsers(t, bob, "bob")

	first := env.join(t, aliceTok)
	expectUsers(t, first, "alice", "bob")
	expectUsers(t, bob, "alice", "bob")

	second := env.join(t, aliceTok)
	expectUsers(t, second, "alice", "bob")
	expectUsers(t, bob, "alice", "bob")

	assert.Equal(t, msgSessionReplaced, expect(t, first, protocol.TypeError).Text())
	assert.Equal(t, protocol.CloseSessionReplaced, expectClose(t, first))

	// the old connection closing must not take alice offline
	send(t, second, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "from tab two"})
	assert.Equal(t, "from tab two", expectRecord(t, bob).Text)
	assert.Equal(t, "from tab two", expectRecord(t, second).Text)
	assert.Equal(t, []string{"alice", "bob"}, env.srv.registry.Snapshot())
}

func TestChat_RejectedPosts(t *testing.T) {
	env := startTestServer(t, func(c *ServerConfig) { c.MaxMessageLength = 5 })
	ws := env.join(t, env.login(t, "alice"))
	expectUsers(t, ws, "alice")

	send(t, ws, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "   "})
	assert.Equal(t, msgEmptyText, expect(t, ws, protocol.TypeError).Text())

	send(t, ws, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "toolong"})
	assert.Equal(t, "message exceeds 5 characters", expect(t, ws, protocol.TypeError).Text())

	send(t, ws, protocol.ClientFrame{Type: protocol.TypeRecall, MessageID: "nope"})
	assert.Equal(t, msgNotFound, expect(t, ws, protocol.TypeError).Text())

	assert.Equal(t, 0, env.srv.messages.Len())
}

func TestChat_RateLimit(t *testing.T) {
	env := startTestServer(t, func(c *ServerConfig) { c.MessageRateLimit = 2 })
	ws := env.join(t, env.login(t, "alice"))
	expectUsers(t, ws, "alice")

	for i := 0; i < 2; i++ {
		send(t, ws, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "ok"})
		expectRecord(t, ws)
	}
	send(t, ws, protocol.ClientFrame{Type: protocol.TypeMessage, Text: "too fast"})
	assert.Equal(t, msgRateLimited, expect(t, ws, protocol.TypeError).Text())
	assert.Equal(t, 2, env.srv.messages.Len())
}

// TestChat_OrderingAcrossConnections has every client post concurrently and
// checks all clients observed the same sequence of messages.
func TestChat_OrderingAcrossConnections(t *testing.T) {
	env := startTestServer(t)

	const clients, perClient = 4, 15
	names := make([]string, clients)
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		names[i] = fmt.Sprintf("user%d", i)
		conns[i] = env.join(t, env.login(t, names[i]))
	}
	// drain the presence updates each client received while others joined
	for i, ws := range conns {
		for j := i; j < clients; j++ {
			expect(t, ws, protocol.TypeUsersUpdate)
		}
	}

	var wg sync.WaitGroup
	for i, ws := range conns {
		wg.Add(1)
		go func(i int, ws *websocket.Conn) {
			defer wg.Done()
			for n := 0; n < perClient; n++ {
				if err := ws.WriteJSON(protocol.ClientFrame{Type: protocol.TypeMessage, Text: fmt.Sprintf("%d/%d", i, n)}); err != nil {
					t.Error(err)
					return
				}
			}
		}(i, ws)
	}
	wg.Wait()

	sequences := make([][]string, clients)
	for i, ws := range conns {
		for n := 0; n < clients*perClient; n++ {
			sequences[i] = append(sequences[i], expectRecord(t, ws).ID)
		}
	}
	for i := 1; i < clients; i++ {
		assert.Equal(t, sequences[0], sequences[i], "client %d saw a different order", i)
	}
	assert.Equal(t, env.srv.messages.IDs(), sequences[0])
}

func TestServer_StopClosesConnections(t *testing.T) {
	env := startTestServer(t)
	ws := env.join(t, env.login(t, "alice"))
	expectUsers(t, ws, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Stop(ctx))

	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, ws))

	// new connections are refused once stopped
	late := env.dial(t)
	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, late))
}
