package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roomServer accepts connections and hands each one to the test.
type roomServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	paths chan string
}

func newRoomServer(t *testing.T) *roomServer {
	t.Helper()
	rs := &roomServer{
		conns: make(chan *websocket.Conn, 8),
		paths: make(chan string, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.paths <- r.URL.RequestURI()
		rs.conns <- conn
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *roomServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.URL, "http") + "/ws"
}

func (rs *roomServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-rs.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestClient(t *testing.T, rs *roomServer) *Client {
	t.Helper()
	c, err := NewClient(Options{
		URL:          rs.wsURL(),
		Query:        url.Values{"address": {"0xme"}},
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndpoint(t *testing.T) {
	got, err := Options{
		URL:       "ws://localhost:8080/ws/",
		Namespace: "/chat",
		Query:     url.Values{"address": {"0xabc"}},
	}.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/chat?address=0xabc", got)
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs)

	rec := &recorder{}
	c.On(models.EventConnect, func(json.RawMessage) { rec.add("connect") })
	c.On(models.EventUserLeft, func(data json.RawMessage) { rec.add("left " + string(data)) })
	c.On(models.EventDisconnect, func(json.RawMessage) { rec.add("disconnect") })
	c.Start(context.Background())

	server := rs.accept(t)
	assert.Equal(t, "/ws/chat?address=0xme", <-rs.paths)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"event":"chat:user-left","data":"0xa"}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"event":"chat:user-left","data":"0xb"}`)))

	require.Eventually(t, func() bool { return len(rec.list()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connect", `left "0xa"`, `left "0xb"`}, rec.list())
}

func TestClientEmit(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs)

	assert.ErrorIs(t, c.Emit(models.EventTyping, models.TypingRequest{IsTyping: true}), ErrNotConnected)

	connected := make(chan struct{}, 1)
	c.On(models.EventConnect, func(json.RawMessage) {
		assert.NoError(t, c.Emit(models.EventJoin, models.JoinRequest{Address: "0xme"}))
		connected <- struct{}{}
	})
	c.Start(context.Background())
	server := rs.accept(t)
	<-connected

	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := server.ReadMessage()
	require.NoError(t, err)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, models.EventJoin, env.Event)
	assert.JSONEq(t, `{"address":"0xme"}`, string(env.Data))
}

func TestClientReconnectsAndRaisesConnectAgain(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs)

	rec := &recorder{}
	c.On(models.EventConnect, func(json.RawMessage) { rec.add("connect") })
	c.On(models.EventDisconnect, func(json.RawMessage) { rec.add("disconnect") })
	c.Start(context.Background())

	first := rs.accept(t)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	first.Close()

	rs.accept(t)
	require.Eventually(t, func() bool { return len(rec.list()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connect", "disconnect", "connect"}, rec.list())
}

func TestClientCloseIsIdempotentAndDropsHandlers(t *testing.T) {
	rs := newRoomServer(t)
	c := newTestClient(t, rs)

	rec := &recorder{}
	c.On(models.EventConnect, func(json.RawMessage) { rec.add("connect") })
	c.On(models.EventDisconnect, func(json.RawMessage) { rec.add("disconnect") })
	c.Start(context.Background())
	rs.accept(t)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Emit(models.EventTyping, models.TypingRequest{}), ErrClosed)
	assert.Equal(t, []string{"connect"}, rec.list())

	select {
	case <-rs.conns:
		t.Fatal("client reconnected after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseWithoutStart(t *testing.T) {
	c, err := NewClient(Options{URL: "ws://127.0.0.1:1/ws"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	c.Start(context.Background())
	assert.ErrorIs(t, c.Emit(models.EventJoin, nil), ErrClosed)
}

func TestBackoffIsCapped(t *testing.T) {
	c, err := NewClient(Options{URL: "ws://x/ws", ReconnectMin: 100 * time.Millisecond, ReconnectMax: time.Second})
	require.NoError(t, err)

	d0 := c.backoff(0)
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.LessOrEqual(t, d0, 120*time.Millisecond)

	d := c.backoff(50)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.LessOrEqual(t, d, 1200*time.Millisecond)
}

func TestBackoffIgnoresNegativeDurations(t *testing.T) {
	c, err := NewClient(Options{URL: "ws://x/ws", ReconnectMin: -time.Second, ReconnectMax: -time.Minute})
	require.NoError(t, err)

	for attempt := 0; attempt < 10; attempt++ {
		d := c.backoff(attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 36*time.Second)
	}
}
