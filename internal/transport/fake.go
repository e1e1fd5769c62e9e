package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roomsync/roomsync/internal/models"
)

// Emission is one frame recorded by Fake.
type Emission struct {
	Event models.EventName
	Data  json.RawMessage
}

// Fake is an in-memory Socket. Tests drive it with Connect, Disconnect and
// Deliver; emissions are recorded instead of sent.
type Fake struct {
	mu        sync.Mutex
	handlers  map[models.EventName][]Handler
	emitted   []Emission
	connected bool
	closes    int
}

func NewFake() *Fake {
	return &Fake{handlers: make(map[models.EventName][]Handler)}
}

func (f *Fake) On(event models.EventName, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return
	}
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *Fake) Emit(event models.EventName, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return ErrClosed
	}
	if !f.connected {
		return ErrNotConnected
	}
	f.emitted = append(f.emitted, Emission{Event: event, Data: env.Data})
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.connected = false
	f.handlers = make(map[models.EventName][]Handler)
	return nil
}

// Connect raises the connect event.
func (f *Fake) Connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.fire(models.EventConnect, nil)
}

// Disconnect raises the disconnect event.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.fire(models.EventDisconnect, nil)
}

// Deliver raises event with payload encoded as JSON.
func (f *Fake) Deliver(event models.EventName, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("fake transport: %v", err))
	}
	f.fire(event, data)
}

// DeliverRaw raises event with an already-encoded payload.
func (f *Fake) DeliverRaw(event models.EventName, data json.RawMessage) {
	f.fire(event, data)
}

func (f *Fake) Emitted() []Emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Emission(nil), f.emitted...)
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = nil
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *Fake) HandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *Fake) fire(event models.EventName, data json.RawMessage) {
	f.mu.Lock()
	hs := append([]Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

var _ Socket = (*Fake)(nil)
