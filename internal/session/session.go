package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/roomsync/roomsync/internal/commands"
	"github.com/roomsync/roomsync/internal/engine"
	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/internal/transport"
	"github.com/roomsync/roomsync/pkg/logger"
)

const DefaultTypingTTL = 6 * time.Second

type Config struct {
	DisplayName string
	// TypingIdle is the local keystroke debounce window.
	TypingIdle time.Duration
	// TypingTTL expires remote typing indicators that were never stopped.
	// Zero disables expiry.
	TypingTTL time.Duration
	// SweepInterval is how often expired typing entries are removed.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TypingIdle == 0 {
		c.TypingIdle = commands.DefaultTypingIdle
	}
	if c.TypingTTL > 0 && c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	return c
}

// starter is implemented by sockets that connect lazily, like transport.Client.
type starter interface {
	Start(ctx context.Context)
}

var inbound = []models.EventName{
	models.EventMessage,
	models.EventHistory,
	models.EventUserJoined,
	models.EventUserLeft,
	models.EventOnlineUsers,
	models.EventTyping,
}

// Session is one identity's connection to the room: its socket, the state
// folded from it and the local command surface.
type Session struct {
	address string
	cfg     Config
	socket  transport.Socket
	store   *engine.Store
	cmds    *commands.Commander
	log     *logger.Logger

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Open wires socket to a fresh store and starts it. The socket is owned by
// the session from here on and is closed by Close.
func Open(ctx context.Context, address string, socket transport.Socket, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		address:   address,
		cfg:       cfg,
		socket:    socket,
		store:     engine.NewStore(address),
		log:       logger.GlobalLogger.With("session"),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	s.cmds = commands.NewCommander(address, socket, s.store, commands.WithTypingIdle(cfg.TypingIdle))

	socket.On(models.EventConnect, s.onConnect)
	socket.On(models.EventDisconnect, func(json.RawMessage) {
		s.store.Dispatch(engine.Disconnected{})
	})
	for _, name := range inbound {
		name := name
		socket.On(name, func(data json.RawMessage) {
			s.store.Ingest(name, data)
		})
	}

	if cfg.TypingTTL > 0 {
		go s.sweep(cfg.TypingTTL, cfg.SweepInterval)
	} else {
		close(s.sweepDone)
	}

	if st, ok := socket.(starter); ok {
		st.Start(ctx)
	}
	return s
}

func (s *Session) onConnect(json.RawMessage) {
	s.store.Dispatch(engine.Connected{})

	join := models.JoinRequest{Address: s.address, DisplayName: s.cfg.DisplayName}
	if err := s.socket.Emit(models.EventJoin, join); err != nil {
		s.log.Error("failed to join room: %v", err)
		return
	}
	if err := s.cmds.Resync(); err != nil {
		s.log.Warn("failed to resync typing state: %v", err)
	}
}

func (s *Session) sweep(ttl, every time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-ticker.C:
			s.store.Dispatch(engine.TypingExpired{Now: now, TTL: ttl})
		}
	}
}

func (s *Session) Address() string              { return s.address }
func (s *Session) Store() *engine.Store          { return s.store }
func (s *Session) Commands() *commands.Commander { return s.cmds }

func (s *Session) SendMessage(text string) error { return s.cmds.SendMessage(text) }
func (s *Session) SetTyping(typing bool) error   { return s.cmds.SetTyping(typing) }
func (s *Session) Keystroke() error              { return s.cmds.Keystroke() }

// Close tears the session down: the idle timer and expiry sweep stop and the
// socket is closed exactly once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cmds.Close()
		close(s.stopSweep)
		<-s.sweepDone
		err = s.socket.Close()
		s.log.Debug("session for %s closed", models.ShortAddress(s.address))
	})
	return err
}
