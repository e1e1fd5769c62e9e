package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/roomsync/roomsync/internal/transport"
	"github.com/roomsync/roomsync/pkg/logger"
)

// Dialer builds an unstarted socket for one identity.
type Dialer func(address string) (transport.Socket, error)

// WebsocketDialer returns a Dialer connecting with transport.Client. The
// address and optional token travel in the query string.
func WebsocketDialer(opts transport.Options, token string) Dialer {
	return func(address string) (transport.Socket, error) {
		o := opts
		q := url.Values{}
		for k, vs := range opts.Query {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("address", address)
		if token != "" {
			q.Set("token", token)
		}
		o.Query = q
		c, err := transport.NewClient(o)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Manager keeps at most one session alive, for the current identity.
type Manager struct {
	dial Dialer
	cfg  Config

	mu      sync.Mutex
	current *Session
}

func NewManager(dial Dialer, cfg Config) *Manager {
	return &Manager{dial: dial, cfg: cfg}
}

// SetIdentity switches the active identity. An unchanged address keeps the
// running session; an empty one leaves the manager dormant.
func (m *Manager) SetIdentity(ctx context.Context, address string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Address() == address {
		return m.current, nil
	}
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			logger.Warn("closing previous session: %v", err)
		}
		m.current = nil
	}
	if address == "" {
		return nil, nil
	}

	socket, err := m.dial(address)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	m.current = Open(ctx, address, socket, m.cfg)
	logger.Info("session opened for %s", address)
	return m.current, nil
}

// Current returns the active session, or nil when dormant.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Close() error {
	_, err := m.SetIdentity(context.Background(), "")
	return err
}
