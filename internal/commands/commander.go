package commands

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/internal/transport"
	"github.com/roomsync/roomsync/pkg/logger"
)

const DefaultTypingIdle = 2000 * time.Millisecond

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", models.MaxMessageLength)
	ErrNotConnected   = errors.New("not connected")
)

// Liveness reports whether the room connection is currently up.
type Liveness interface {
	Connected() bool
}

// Commander turns local intent into transport emissions. It owns the local
// typing flag and its idle timer.
type Commander struct {
	address string
	socket  transport.Socket
	live    Liveness
	idle    time.Duration
	now     func() time.Time
	log     *logger.Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

type Option func(*Commander)

// WithTypingIdle sets how long after the last keystroke typing is stopped.
func WithTypingIdle(d time.Duration) Option {
	return func(c *Commander) { c.idle = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Commander) { c.now = now }
}

func NewCommander(address string, socket transport.Socket, live Liveness, opts ...Option) *Commander {
	c := &Commander{
		address: address,
		socket:  socket,
		live:    live,
		idle:    DefaultTypingIdle,
		now:     time.Now,
		log:     logger.GlobalLogger.With("commands"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateMessage returns the text that would be sent, or why it cannot be.
// The length limit applies to the input as typed, padding included.
func ValidateMessage(text string) (string, error) {
	if utf8.RuneCountInString(text) > models.MaxMessageLength {
		return "", ErrMessageTooLong
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	return trimmed, nil
}

// SendMessage emits a message-create command followed by typing-stop.
// Nothing is emitted when validation fails.
func (c *Commander) SendMessage(text string) error {
	trimmed, err := ValidateMessage(text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !c.live.Connected() {
		return ErrNotConnected
	}

	req := models.SendMessageRequest{
		Text:      trimmed,
		Address:   c.address,
		Timestamp: c.now().UnixMilli(),
	}
	if err := c.socket.Emit(models.EventMessage, req); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	c.mu.Lock()
	c.stopTimerLocked()
	c.typing = false
	c.mu.Unlock()

	if err := c.socket.Emit(models.EventTyping, models.TypingRequest{IsTyping: false}); err != nil {
		c.log.Warn("failed to emit typing stop after send: %v", err)
	}
	return nil
}

// SetTyping emits a typing-change command when the flag changes value.
func (c *Commander) SetTyping(isTyping bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if !isTyping {
		c.stopTimerLocked()
	}
	if c.typing == isTyping {
		c.mu.Unlock()
		return nil
	}
	c.typing = isTyping
	c.mu.Unlock()

	return c.emitTyping(isTyping)
}

// Keystroke marks the local participant as typing and restarts the idle
// window; typing stops once the window passes without another keystroke.
func (c *Commander) Keystroke() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.stopTimerLocked()
	gen := c.gen
	c.timer = time.AfterFunc(c.idle, func() { c.idleExpired(gen) })
	changed := !c.typing
	c.typing = true
	c.mu.Unlock()

	if !changed {
		return nil
	}
	return c.emitTyping(true)
}

// Resync re-announces the local typing flag, used after a reconnect.
func (c *Commander) Resync() error {
	c.mu.Lock()
	typing := c.typing
	c.mu.Unlock()
	if !typing {
		return nil
	}
	return c.emitTyping(true)
}

func (c *Commander) IsTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Close cancels the idle timer. Later commands fail with transport.ErrClosed.
func (c *Commander) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
	c.typing = false
}

func (c *Commander) idleExpired(gen uint64) {
	c.mu.Lock()
	// a keystroke, send or close since arming moved gen on
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.gen++
	changed := c.typing
	c.typing = false
	c.mu.Unlock()

	if changed {
		if err := c.emitTyping(false); err != nil {
			c.log.Debug("idle typing stop not sent: %v", err)
		}
	}
}

func (c *Commander) emitTyping(isTyping bool) error {
	if !c.live.Connected() {
		return nil
	}
	if err := c.socket.Emit(models.EventTyping, models.TypingRequest{IsTyping: isTyping}); err != nil {
		return fmt.Errorf("failed to send typing state: %w", err)
	}
	return nil
}

func (c *Commander) stopTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
