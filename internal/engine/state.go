package engine

import (
	"time"

	"github.com/roomsync/roomsync/internal/models"
)

type typingEntry struct {
	address string
	since   time.Time
}

// State is an immutable view of the room. Every fold returns a new State and
// never writes into the slices of the previous one, so a State can be shared
// with readers without copying.
type State struct {
	self     string
	live     bool
	messages []models.Message
	online   []models.OnlineUser
	typing   []typingEntry
	// appended counts messages accepted through MessageReceived.
	appended uint64
}

// NewState returns the empty state for the local participant self.
func NewState(self string) State {
	return State{self: self}
}

func (s State) Self() string    { return s.self }
func (s State) Connected() bool { return s.live }

// Messages returns the log in acceptance order.
func (s State) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// OnlineUsers returns presence entries in join order.
func (s State) OnlineUsers() []models.OnlineUser {
	out := make([]models.OnlineUser, len(s.online))
	copy(out, s.online)
	return out
}

// TypingUsers returns remote addresses in the order they started typing.
func (s State) TypingUsers() []string {
	out := make([]string, 0, len(s.typing))
	for _, t := range s.typing {
		out = append(out, t.address)
	}
	return out
}

func (s State) MessageCount() int { return len(s.messages) }

// HasMessage reports whether id is in the log.
func (s State) HasMessage(id string) bool {
	return s.messageIndex(id) >= 0
}

// IsOnline reports whether address has a presence entry.
func (s State) IsOnline(address string) bool {
	return s.userIndex(address) >= 0
}

func (s State) IsTyping(address string) bool {
	return s.typingIndex(address) >= 0
}

func (s State) messageIndex(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) userIndex(address string) int {
	for i := range s.online {
		if s.online[i].Address == address {
			return i
		}
	}
	return -1
}

func (s State) typingIndex(address string) int {
	for i := range s.typing {
		if s.typing[i].address == address {
			return i
		}
	}
	return -1
}
