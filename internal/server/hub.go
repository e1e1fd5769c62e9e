package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/roomsync/internal/commands"
	"github.com/roomsync/roomsync/internal/database"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/pkg/logger"
	"golang.org/x/time/rate"
)

type Config struct {
	// HistoryLimit is how many recent messages a joiner receives.
	HistoryLimit int
	// MessageRate limits chat:message frames per connection per second.
	// Zero means unlimited.
	MessageRate  rate.Limit
	MessageBurst int
	SendBuffer   int
	// IdleTimeout is how long an empty hub lingers before it is reaped.
	IdleTimeout   time.Duration
	CleanupPeriod time.Duration
	StoreTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 || c.HistoryLimit > models.HistoryLimit {
		c.HistoryLimit = models.HistoryLimit
	}
	if c.MessageRate == 0 {
		c.MessageRate = rate.Inf
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 5
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.CleanupPeriod == 0 {
		c.CleanupPeriod = 5 * time.Minute
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

type inbound struct {
	client *Client
	env    models.Envelope
}

type presence struct {
	user  models.OnlineUser
	conns int
}

// Hub owns one namespace: its connections, presence and message fan-out.
// All mutable state below the channels is touched only by Run.
type Hub struct {
	namespace string
	cfg       Config
	repo      database.MessageRepository
	metrics   *Metrics
	log       *logger.Logger
	now       func() time.Time

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	attached     atomic.Int64
	lastActivity atomic.Int64
	online       atomic.Pointer[[]models.OnlineUser]

	clients  map[*Client]bool
	presence map[string]*presence
	order    []string
}

func NewHub(namespace string, repo database.MessageRepository, cfg Config, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	h := &Hub{
		namespace:  namespace,
		cfg:        cfg.withDefaults(),
		repo:       repo,
		metrics:    metrics,
		log:        logger.GlobalLogger.With("hub"),
		now:        time.Now,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		presence:   make(map[string]*presence),
	}
	h.touch()
	h.publishPresence()
	return h
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
				h.metrics.ConnectedClients.Dec()
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.metrics.ConnectedClients.Inc()
			h.touch()
			h.log.Debug("connection %s for %s opened in %s", client.id, models.ShortAddress(client.address), h.namespace)

		case client := <-h.unregister:
			h.remove(client)

		case in := <-h.inbound:
			if !h.clients[in.client] {
				continue
			}
			h.touch()
			h.handle(in.client, in.env)
		}
	}
}

func (h *Hub) handle(c *Client, env models.Envelope) {
	switch env.Event {
	case models.EventJoin:
		var req models.JoinRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				h.reject(c, env.Event, "malformed", err)
				return
			}
		}
		h.join(c, req)

	case models.EventMessage:
		if !c.joined {
			h.reject(c, env.Event, "not-joined", nil)
			return
		}
		var req models.SendMessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.reject(c, env.Event, "malformed", err)
			return
		}
		h.createMessage(c, req)

	case models.EventTyping:
		if !c.joined {
			h.reject(c, env.Event, "not-joined", nil)
			return
		}
		var req models.TypingRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.reject(c, env.Event, "malformed", err)
			return
		}
		h.broadcast(models.EventTyping, models.TypingNotice{Address: c.address, IsTyping: req.IsTyping}, c)

	default:
		h.reject(c, env.Event, "unknown-event", nil)
	}
}

func (h *Hub) reject(c *Client, event models.EventName, reason string, err error) {
	h.metrics.dropped(reason)
	if err != nil {
		h.log.Warn("dropped %s from %s (%s): %v", event, c.id, reason, err)
		return
	}
	h.log.Debug("dropped %s from %s (%s)", event, c.id, reason)
}

// join admits the connection into presence and sends it the room snapshot.
// Joining again on the same connection only resends the snapshot.
func (h *Hub) join(c *Client, req models.JoinRequest) {
	if req.Address != "" && req.Address != c.address {
		h.reject(c, models.EventJoin, "identity-mismatch", nil)
		return
	}
	if req.DisplayName != "" {
		c.displayName = req.DisplayName
	}

	if !c.joined {
		c.joined = true
		p, ok := h.presence[c.address]
		if !ok {
			p = &presence{user: models.OnlineUser{
				Address:     c.address,
				DisplayName: c.displayName,
				JoinedAt:    h.now().UnixMilli(),
			}}
			h.presence[c.address] = p
			h.order = append(h.order, c.address)
			h.publishPresence()
			h.broadcast(models.EventUserJoined, p.user, c)
			h.log.Info("%s joined %s", models.ShortAddress(c.address), h.namespace)
		} else if c.displayName != "" && p.user.DisplayName != c.displayName {
			p.user.DisplayName = c.displayName
			h.publishPresence()
		}
		p.conns++
	}

	h.sendTo(c, models.EventHistory, h.loadHistory())
	h.sendTo(c, models.EventOnlineUsers, h.onlineUsers())
}

func (h *Hub) createMessage(c *Client, req models.SendMessageRequest) {
	text, err := commands.ValidateMessage(req.Text)
	if err != nil {
		h.reject(c, models.EventMessage, "invalid-message", err)
		return
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		Address:     c.address,
		DisplayName: c.displayName,
		Text:        text,
		Timestamp:   h.now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.repo.SaveMessage(ctx, h.namespace, msg); err != nil {
		h.log.Error("Error saving message: %v", err)
	}

	h.metrics.Messages.Inc()
	h.broadcast(models.EventMessage, msg, nil)
}

func (h *Hub) loadHistory() []models.Message {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()

	messages, err := h.repo.LoadRecentMessages(ctx, h.namespace, h.cfg.HistoryLimit)
	if err != nil {
		h.log.Error("Error loading recent messages: %v", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages
}

func (h *Hub) remove(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.attached.Add(-1)
	h.metrics.ConnectedClients.Dec()
	h.touch()

	if !c.joined {
		return
	}
	p, ok := h.presence[c.address]
	if !ok {
		return
	}
	p.conns--
	if p.conns > 0 {
		return
	}

	delete(h.presence, c.address)
	for i, addr := range h.order {
		if addr == c.address {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.publishPresence()
	h.broadcast(models.EventUserLeft, c.address, nil)
	h.log.Info("%s left %s", models.ShortAddress(c.address), h.namespace)
}

// broadcast sends to every joined connection except skip. Connections whose
// buffers are full are dropped.
func (h *Hub) broadcast(event models.EventName, payload interface{}, skip *Client) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("Error marshaling %s: %v", event, err)
		return
	}

	var slow []*Client
	for client := range h.clients {
		if client == skip || !client.joined {
			continue
		}
		if !h.deliver(client, data) {
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.log.Warn("dropping slow connection %s", client.id)
		h.remove(client)
	}
}

func (h *Hub) sendTo(c *Client, event models.EventName, payload interface{}) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.log.Error("Error marshaling %s: %v", event, err)
		return
	}
	if !h.deliver(c, data) {
		h.remove(c)
	}
}

func (h *Hub) deliver(c *Client, data []byte) bool {
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.metrics.dropped("slow-consumer")
		return false
	}
}

func (h *Hub) onlineUsers() []models.OnlineUser {
	users := make([]models.OnlineUser, 0, len(h.order))
	for _, addr := range h.order {
		users = append(users, h.presence[addr].user)
	}
	return users
}

func (h *Hub) publishPresence() {
	users := h.onlineUsers()
	h.online.Store(&users)
}

func (h *Hub) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// reserve counts c against the hub before it is registered, so an idle
// reap cannot take the hub away in between.
func (h *Hub) reserve() {
	h.attached.Add(1)
}

// attach hands a reserved connection to Run. It reports false if the hub
// stopped first.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		h.attached.Add(-1)
		return false
	}
}

// detach is called by a connection's read loop when it ends.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// dispatch forwards a frame to Run. It reports false once the hub is gone.
func (h *Hub) dispatch(c *Client, env models.Envelope) bool {
	select {
	case h.inbound <- inbound{client: c, env: env}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Namespace() string { return h.namespace }

// OnlineUsers returns the namespace's presence in join order.
func (h *Hub) OnlineUsers() []models.OnlineUser {
	users := *h.online.Load()
	out := make([]models.OnlineUser, len(users))
	copy(out, users)
	return out
}

func (h *Hub) ClientCount() int {
	return int(h.attached.Load())
}

func (h *Hub) idleFor() time.Duration {
	return time.Since(time.Unix(0, h.lastActivity.Load()))
}

func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) Done() <-chan struct{} { return h.done }

func encodeFrame(event models.EventName, payload interface{}) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
