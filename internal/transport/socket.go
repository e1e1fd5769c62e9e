package transport

import (
	"encoding/json"
	"errors"

	"github.com/roomsync/roomsync/internal/models"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
	ErrBufferFull   = errors.New("transport send buffer full")
)

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Socket is a room-scoped duplex event channel. Implementations deliver all
// handlers, including the synthetic connect and disconnect events, from a
// single goroutine in arrival order.
type Socket interface {
	Emit(event models.EventName, payload interface{}) error
	On(event models.EventName, h Handler)
	Close() error
}
