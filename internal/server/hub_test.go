package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/roomsync/roomsync/internal/database"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	manager  *Manager
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	return newTestServerWithRepo(t, database.NewMemoryDB(models.HistoryLimit), cfg)
}

func newTestServerWithRepo(t *testing.T, repo database.MessageRepository, cfg Config) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewManager(repo, cfg, NewMetrics(reg))
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		namespace := strings.Trim(r.URL.Path, "/")
		client, err := m.Connect(namespace, conn, r.URL.Query().Get("address"))
		if err != nil {
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return &testServer{Server: srv, manager: m, registry: reg}
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) counter(t *testing.T, name, reason string) float64 {
	t.Helper()
	families, err := s.registry.Gather()
	if !assert.NoError(t, err) {
		return 0
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if reason == "" {
				return m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type peer struct {
	t       *testing.T
	conn    *websocket.Conn
	address string
}

func (s *testServer) dial(t *testing.T, address string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL()+"/chat?address="+address, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, address: address}
}

// joined dials and completes the join handshake.
func (s *testServer) joined(t *testing.T, address string) *peer {
	t.Helper()
	p := s.dial(t, address)
	p.emit(models.EventJoin, models.JoinRequest{Address: address, DisplayName: strings.ToUpper(address)})
	p.next(models.EventHistory)
	p.next(models.EventOnlineUsers)
	return p
}

func (p *peer) emit(event models.EventName, payload interface{}) {
	p.t.Helper()
	env, err := models.NewEnvelope(event, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(env))
}

func (p *peer) read() models.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(p.t, p.conn.ReadJSON(&env))
	return env
}

// next skips frames until one named event arrives.
func (p *peer) next(event models.EventName) json.RawMessage {
	p.t.Helper()
	for {
		env := p.read()
		if env.Event == event {
			return env.Data
		}
	}
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestJoinSendsSnapshotAndAnnounces(t *testing.T) {
	s := newTestServer(t, Config{})

	alice := s.dial(t, "alice")
	alice.emit(models.EventJoin, models.JoinRequest{Address: "alice", DisplayName: "Alice"})

	first := alice.read()
	assert.Equal(t, models.EventHistory, first.Event)
	assert.JSONEq(t, `[]`, string(first.Data))

	online := decode[[]models.OnlineUser](t, alice.next(models.EventOnlineUsers))
	require.Len(t, online, 1)
	assert.Equal(t, "alice", online[0].Address)
	assert.Equal(t, "Alice", online[0].DisplayName)
	assert.NotZero(t, online[0].JoinedAt)

	s.joined(t, "bob")

	joined := decode[models.OnlineUser](t, alice.next(models.EventUserJoined))
	assert.Equal(t, "bob", joined.Address)
	assert.Equal(t, "BOB", joined.DisplayName)

	names := make([]string, 0, 2)
	for _, u := range s.manager.OnlineUsers("chat") {
		names = append(names, u.Address)
	}
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestMessageBroadcastIncludesSender(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := s.joined(t, "alice")
	bob := s.joined(t, "bob")

	alice.emit(models.EventMessage, models.SendMessageRequest{Text: "  hi bob  ", Address: "alice", Timestamp: 1})

	fromAlice := decode[models.Message](t, alice.next(models.EventMessage))
	fromBob := decode[models.Message](t, bob.next(models.EventMessage))
	assert.Equal(t, fromAlice, fromBob)
	assert.Equal(t, "hi bob", fromAlice.Text)
	assert.Equal(t, "alice", fromAlice.Address)
	assert.Equal(t, "ALICE", fromAlice.DisplayName)
	assert.NotEmpty(t, fromAlice.ID)
	assert.Greater(t, fromAlice.Timestamp, int64(1))

	carol := s.dial(t, "carol")
	carol.emit(models.EventJoin, models.JoinRequest{Address: "carol"})
	history := decode[[]models.Message](t, carol.next(models.EventHistory))
	require.Len(t, history, 1)
	assert.Equal(t, fromAlice.ID, history[0].ID)

	assert.Equal(t, float64(1), s.counter(t, "roomsync_messages_total", ""))
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := s.joined(t, "alice")

	alice.emit(models.EventMessage, models.SendMessageRequest{Text: "   "})
	alice.emit(models.EventMessage, models.SendMessageRequest{Text: strings.Repeat("x", models.MaxMessageLength+1)})
	alice.emit(models.EventMessage, models.SendMessageRequest{Text: "ok"})

	msg := decode[models.Message](t, alice.next(models.EventMessage))
	assert.Equal(t, "ok", msg.Text)
	assert.Equal(t, float64(2), s.counter(t, "roomsync_dropped_frames_total", "invalid-message"))
}

func TestFramesBeforeJoinAreIgnored(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := s.dial(t, "alice")

	alice.emit(models.EventMessage, models.SendMessageRequest{Text: "too early"})
	alice.emit(models.EventJoin, models.JoinRequest{Address: "mallory"})
	alice.emit(models.EventJoin, models.JoinRequest{Address: "alice"})

	history := alice.read()
	assert.Equal(t, models.EventHistory, history.Event)
	assert.JSONEq(t, `[]`, string(history.Data))

	online := decode[[]models.OnlineUser](t, alice.next(models.EventOnlineUsers))
	require.Len(t, online, 1)
	assert.Equal(t, "alice", online[0].Address)
	assert.Equal(t, float64(1), s.counter(t, "roomsync_dropped_frames_total", "not-joined"))
	assert.Equal(t, float64(1), s.counter(t, "roomsync_dropped_frames_total", "identity-mismatch"))
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := s.joined(t, "alice")
	bob := s.joined(t, "bob")
	alice.next(models.EventUserJoined)

	bob.emit(models.EventTyping, models.TypingRequest{IsTyping: true})
	notice := decode[models.TypingNotice](t, alice.next(models.EventTyping))
	assert.Equal(t, models.TypingNotice{Address: "bob", IsTyping: true}, notice)

	alice.emit(models.EventMessage, models.SendMessageRequest{Text: "go on"})
	env := bob.read()
	assert.Equal(t, models.EventMessage, env.Event)
}

func TestLeaveAnnouncedAfterLastConnection(t *testing.T) {
	s := newTestServer(t, Config{})
	bob := s.joined(t, "bob")
	first := s.joined(t, "alice")
	second := s.joined(t, "alice")
	bob.next(models.EventUserJoined)

	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool {
		hub := s.manager.Hub("chat")
		return hub != nil && hub.ClientCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.manager.OnlineUsers("chat"), 2)

	require.NoError(t, second.conn.Close())
	left := decode[string](t, bob.next(models.EventUserLeft))
	assert.Equal(t, "alice", left)

	online := s.manager.OnlineUsers("chat")
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].Address)
}

func TestMessageRateLimit(t *testing.T) {
	s := newTestServer(t, Config{MessageRate: 0.001, MessageBurst: 2})
	alice := s.joined(t, "alice")

	for i := 0; i < 5; i++ {
		alice.emit(models.EventMessage, models.SendMessageRequest{Text: "spam"})
	}

	require.Eventually(t, func() bool {
		return s.counter(t, "roomsync_dropped_frames_total", "rate-limited") == 3 &&
			s.counter(t, "roomsync_messages_total", "") == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerReapsIdleHubs(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := s.joined(t, "alice")
	hub := s.manager.Hub("chat")
	require.NotNil(t, hub)

	s.manager.reap(0)
	assert.Same(t, hub, s.manager.Hub("chat"))

	require.NoError(t, alice.conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	s.manager.reap(0)
	assert.Nil(t, s.manager.Hub("chat"))
	select {
	case <-hub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Empty(t, s.manager.OnlineUsers("chat"))
}

func TestManagerCloseRejectsConnections(t *testing.T) {
	m := NewManager(database.NewMemoryDB(10), Config{}, nil)
	m.Close()
	m.Close()

	_, err := m.Connect("chat", nil, "alice")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := newTestServer(t, Config{})
	alice := s.joined(t, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL()+"/other?address=bob", nil)
	require.NoError(t, err)
	defer conn.Close()
	bob := &peer{t: t, conn: conn, address: "bob"}
	bob.emit(models.EventJoin, models.JoinRequest{Address: "bob"})
	online := decode[[]models.OnlineUser](t, bob.next(models.EventOnlineUsers))
	require.Len(t, online, 1)
	assert.Equal(t, "bob", online[0].Address)

	alice.emit(models.EventMessage, models.SendMessageRequest{Text: "only chat"})
	alice.next(models.EventMessage)
	assert.Len(t, s.manager.OnlineUsers("chat"), 1)
	assert.Len(t, s.manager.OnlineUsers("other"), 1)
}

// stallingRepo blocks history loads for one namespace until released.
type stallingRepo struct {
	*database.MemoryDB
	namespace string
	entered   chan struct{}
	release   chan struct{}
}

func (r *stallingRepo) LoadRecentMessages(ctx context.Context, namespace string, limit int) ([]models.Message, error) {
	if namespace == r.namespace {
		r.entered <- struct{}{}
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.MemoryDB.LoadRecentMessages(ctx, namespace, limit)
}

func TestBusyHubDoesNotBlockOtherNamespaces(t *testing.T) {
	repo := &stallingRepo{
		MemoryDB:  database.NewMemoryDB(10),
		namespace: "slow",
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	s := newTestServerWithRepo(t, repo, Config{})
	defer close(repo.release)

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL()+"/slow?address=alice", nil)
	require.NoError(t, err)
	defer conn.Close()
	slow := &peer{t: t, conn: conn, address: "alice"}
	slow.emit(models.EventJoin, models.JoinRequest{Address: "alice"})

	select {
	case <-repo.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("history load never started")
	}

	// the slow hub is stuck in its history load, so this one waits
	queued := make(chan error, 1)
	go func() {
		_, err := s.manager.Connect("slow", nil, "bob")
		queued <- err
	}()
	time.Sleep(50 * time.Millisecond)

	connected := make(chan error, 1)
	go func() {
		_, err := s.manager.Connect("fast", nil, "carol")
		connected <- err
	}()

	select {
	case err := <-connected:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect to an idle namespace waited on a busy one")
	}

	repo.release <- struct{}{}
	select {
	case err := <-queued:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued connection was never registered")
	}
}

func TestConnectToStoppedHubFails(t *testing.T) {
	hub := NewHub("chat", database.NewMemoryDB(10), Config{}, nil)
	go hub.Run()
	hub.Shutdown()
	<-hub.Done()

	hub.reserve()
	assert.False(t, hub.attach(newClient(hub, nil, "alice")))
	assert.Zero(t, hub.ClientCount())
}
