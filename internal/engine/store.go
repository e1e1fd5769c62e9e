package engine

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roomsync/roomsync/internal/models"
	"github.com/roomsync/roomsync/pkg/logger"
)

// Listener is called synchronously after every applied event. It must not
// call Dispatch.
type Listener func(State)

// Store owns the room state for one session. Dispatch is the only way to
// change it; readers see immutable snapshots.
type Store struct {
	mu    sync.Mutex
	state atomic.Pointer[State]

	subsMu    sync.Mutex
	subs      map[int]Listener
	nextSubID int

	readMark  atomic.Uint64
	anomalies atomic.Int64

	now func() time.Time
	log *logger.Logger
}

type Option func(*Store)

// WithClock overrides the time source used to stamp typing events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(self string, opts ...Option) *Store {
	s := &Store{
		subs: make(map[int]Listener),
		now:  time.Now,
		log:  logger.GlobalLogger.With("engine"),
	}
	for _, opt := range opts {
		opt(s)
	}
	initial := NewState(self)
	s.state.Store(&initial)
	return s
}

// Dispatch folds ev into the current state and notifies listeners. Rejected
// events are logged and counted; they never reach listeners.
func (s *Store) Dispatch(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tc, ok := ev.(TypingChanged); ok && tc.At.IsZero() {
		tc.At = s.now()
		ev = tc
	}

	prev := s.state.Load()
	next, err := Reduce(*prev, ev)
	if err != nil {
		s.anomalies.Add(1)
		s.log.Zerolog().Warn().Err(err).Str("event", eventName(ev)).Msg("dropped inbound event")
		return err
	}
	s.state.Store(&next)
	s.notify(next)
	return nil
}

// Ingest decodes a raw transport frame and dispatches it.
func (s *Store) Ingest(name models.EventName, data json.RawMessage) error {
	ev, dropped, err := Decode(name, data)
	if err != nil {
		s.anomalies.Add(1)
		s.log.Zerolog().Warn().Err(err).Str("event", string(name)).Msg("dropped inbound event")
		return err
	}
	if dropped > 0 {
		s.anomalies.Add(int64(dropped))
		s.log.Warn("dropped %d malformed entries from %s", dropped, name)
	}
	return s.Dispatch(ev)
}

// Subscribe registers fn and returns a func that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) notify(st State) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subsMu.Unlock()

	// registration order
	slices.Sort(ids)
	for _, id := range ids {
		s.subsMu.Lock()
		fn, ok := s.subs[id]
		s.subsMu.Unlock()
		if ok {
			fn(st)
		}
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	return *s.state.Load()
}

func (s *Store) Messages() []models.Message       { return s.Snapshot().Messages() }
func (s *Store) OnlineUsers() []models.OnlineUser { return s.Snapshot().OnlineUsers() }
func (s *Store) TypingUsers() []string            { return s.Snapshot().TypingUsers() }
func (s *Store) Connected() bool                  { return s.Snapshot().Connected() }
func (s *Store) Self() string                     { return s.Snapshot().Self() }

// Unread counts messages accepted since the last MarkRead. History
// snapshots are never unread.
func (s *Store) Unread() int {
	n := s.Snapshot().appended - s.readMark.Load()
	return int(n)
}

func (s *Store) MarkRead() {
	s.readMark.Store(s.Snapshot().appended)
}

// Anomalies is the number of inbound events or entries dropped as malformed.
func (s *Store) Anomalies() int64 {
	return s.anomalies.Load()
}

// IsMalformed reports whether err came from a rejected inbound event.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrUnknownEvent)
}

func eventName(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return string(ev.Name())
}
