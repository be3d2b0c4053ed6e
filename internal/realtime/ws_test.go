package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	tokens  map[string]string
	tickets map[string]string
}

func (f *fakeAuth) AuthenticateToken(_ context.Context, token string) (string, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func (f *fakeAuth) RedeemTicket(_ context.Context, ticket string) (string, error) {
	userID, ok := f.tickets[ticket]
	if !ok {
		return "", ErrUnauthorized
	}
	delete(f.tickets, ticket)
	return userID, nil
}

type recordingAcker struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (r *recordingAcker) Acknowledge(_ context.Context, userID string, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[userID] = append(r.calls[userID], ids...)
	return len(ids), nil
}

func (r *recordingAcker) acked(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[userID]...)
}

type testServer struct {
	hub   *Hub
	acker *recordingAcker
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := NewHub(time.Second, nil)
	acker := &recordingAcker{calls: make(map[string][]string)}
	auth := &fakeAuth{
		tokens:  map[string]string{"good-token": "u1"},
		tickets: map[string]string{"one-time": "u2"},
	}
	srv := httptest.NewServer(NewHandler(hub, auth, acker, HandlerOptions{}))
	t.Cleanup(srv.Close)
	return &testServer{hub: hub, acker: acker, srv: srv}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.srv.URL+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	return env
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

// roundTrip sends a ping and waits for the pong so earlier messages are
// known to be processed.
func roundTrip(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeMessage(t, conn, ClientMessage{Type: MessagePing})
	assert.Equal(t, EventPong, readEnvelope(t, conn).Type)
}

func TestHandlerTokenHandshakeAndPush(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=good-token")

	ready := readEnvelope(t, conn)
	require.Equal(t, EventReady, ready.Type)
	var data ReadyData
	require.NoError(t, json.Unmarshal(ready.Data, &data))
	assert.Equal(t, "u1", data.UserID)
	assert.NotEmpty(t, data.ConnectionID)
	assert.Equal(t, 1, ts.hub.Connected("u1"))

	results := ts.hub.SendToUser(context.Background(), "u1", Event{Type: EventNotification, Data: map[string]string{"id": "n1"}})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	got := readEnvelope(t, conn)
	assert.Equal(t, EventNotification, got.Type)
	assert.JSONEq(t, `{"id":"n1"}`, string(got.Data))
}

func TestHandlerRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=forged")

	env := readEnvelope(t, conn)
	assert.Equal(t, EventError, env.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Equal(t, 0, ts.hub.Connected("u1"))
}

func TestHandlerFirstFrameAuthentication(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "")

	writeMessage(t, conn, ClientMessage{Type: MessageAuthenticate, Token: "good-token"})

	assert.Equal(t, EventReady, readEnvelope(t, conn).Type)
	assert.Equal(t, 1, ts.hub.Connected("u1"))
}

func TestHandlerTicketIsSingleUse(t *testing.T) {
	ts := newTestServer(t)

	first := ts.dial(t, "?ticket=one-time")
	assert.Equal(t, EventReady, readEnvelope(t, first).Type)

	second := ts.dial(t, "?ticket=one-time")
	assert.Equal(t, EventError, readEnvelope(t, second).Type)
}

func TestHandlerSubscriptionFiltersProjects(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=good-token")
	require.Equal(t, EventReady, readEnvelope(t, conn).Type)

	writeMessage(t, conn, ClientMessage{Type: MessageSubscribe, ProjectID: "p2"})
	roundTrip(t, conn)

	results := ts.hub.SendToUser(context.Background(), "u1", Event{Type: EventNotification, ProjectID: "p1"})
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)

	results = ts.hub.SendToUser(context.Background(), "u1", Event{Type: EventNotification, ProjectID: "p2", Data: "for p2"})
	require.Len(t, results, 1)
	assert.False(t, results[0].Skipped)
	env := readEnvelope(t, conn)
	assert.JSONEq(t, `"for p2"`, string(env.Data))
}

func TestHandlerAckAndUnknownMessages(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=good-token")
	require.Equal(t, EventReady, readEnvelope(t, conn).Type)

	writeMessage(t, conn, ClientMessage{Type: MessageAck, IDs: []string{"n1", "n2"}})
	roundTrip(t, conn)
	assert.Equal(t, []string{"n1", "n2"}, ts.acker.acked("u1"))

	writeMessage(t, conn, ClientMessage{Type: "dance"})
	env := readEnvelope(t, conn)
	require.Equal(t, EventError, env.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "UNKNOWN_MESSAGE", data.Code)
}

func TestHandlerDeregistersOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=good-token")
	require.Equal(t, EventReady, readEnvelope(t, conn).Type)
	require.Equal(t, 1, ts.hub.Connected("u1"))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool { return ts.hub.Connected("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerClosesSocketWhenHubDropsSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=good-token")
	require.Equal(t, EventReady, readEnvelope(t, conn).Type)

	ts.hub.mu.RLock()
	var session Session
	for _, s := range ts.hub.sessions["u1"] {
		session = s
	}
	ts.hub.mu.RUnlock()
	require.NotNil(t, session)

	ts.hub.Deregister("u1", session.ID())
	session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err, "the client must see the socket end")
	assert.NoError(t, ctx.Err())
	assert.ErrorIs(t, session.Push(context.Background(), Event{Type: EventNotification}), ErrSessionClosed)
}

func TestHandlerTargetedEventIgnoresSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?token=good-token")
	require.Equal(t, EventReady, readEnvelope(t, conn).Type)

	writeMessage(t, conn, ClientMessage{Type: MessageSubscribe, ProjectID: "p2"})
	roundTrip(t, conn)

	results := ts.hub.SendToUser(context.Background(), "u1", Event{Type: EventNotification, Data: "invited to p1"})
	require.Len(t, results, 1)
	assert.False(t, results[0].Skipped)
	assert.JSONEq(t, `"invited to p1"`, string(readEnvelope(t, conn).Data))
}
