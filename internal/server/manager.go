package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomsync/roomsync/internal/database"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/pkg/logger"
)

var ErrShuttingDown = errors.New("server is shutting down")

// Manager keeps one hub per namespace and reaps hubs that sit empty.
type Manager struct {
	hubs    map[string]*Hub
	mutex   sync.Mutex
	repo    database.MessageRepository
	cfg     Config
	metrics *Metrics

	closed    bool
	stop      chan struct{}
	closeOnce sync.Once
}

func NewManager(repo database.MessageRepository, cfg Config, metrics *Metrics) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	manager := &Manager{
		hubs:    make(map[string]*Hub),
		repo:    repo,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		stop:    make(chan struct{}),
	}

	go manager.cleanupUnusedHubs()
	return manager
}

// Connect attaches conn to the namespace's hub. The caller starts the
// returned client's pumps.
func (m *Manager) Connect(namespace string, conn *websocket.Conn, address string) (*Client, error) {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil, ErrShuttingDown
	}
	hub := m.hubForNamespaceLocked(namespace)
	hub.reserve()
	m.mutex.Unlock()

	// a busy hub only holds up its own namespace
	client := newClient(hub, conn, address)
	if !hub.attach(client) {
		return nil, ErrShuttingDown
	}
	return client, nil
}

// Hub returns the running hub for namespace, or nil.
func (m *Manager) Hub(namespace string) *Hub {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.hubs[namespace]
}

// OnlineUsers reports presence for namespace; empty when no hub is running.
func (m *Manager) OnlineUsers(namespace string) []models.OnlineUser {
	if hub := m.Hub(namespace); hub != nil {
		return hub.OnlineUsers()
	}
	return []models.OnlineUser{}
}

func (m *Manager) hubForNamespaceLocked(namespace string) *Hub {
	hub, exists := m.hubs[namespace]
	if !exists {
		hub = NewHub(namespace, m.repo, m.cfg, m.metrics)
		m.hubs[namespace] = hub
		go hub.Run()
		logger.Debug("Started hub for %s", namespace)
	}
	return hub
}

func (m *Manager) cleanupUnusedHubs() {
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap(m.cfg.IdleTimeout)
		}
	}
}

func (m *Manager) reap(idle time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for namespace, hub := range m.hubs {
		if hub.ClientCount() == 0 && hub.idleFor() >= idle {
			hub.Shutdown()
			delete(m.hubs, namespace)
			logger.Debug("Cleaned up unused hub for %s", namespace)
		}
	}
}

// Close shuts every hub down and waits for their loops to exit. Open
// connections are closed by their write pumps.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)

		m.mutex.Lock()
		m.closed = true
		hubs := make([]*Hub, 0, len(m.hubs))
		for namespace, hub := range m.hubs {
			hub.Shutdown()
			hubs = append(hubs, hub)
			delete(m.hubs, namespace)
		}
		m.mutex.Unlock()

		for _, hub := range hubs {
			<-hub.Done()
		}
	})
}
