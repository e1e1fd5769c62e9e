package engine

import (
	"errors"
	"fmt"

	"github.com/roomsync/roomsync/internal/models"
)

var (
	// ErrMalformedEvent marks an event that was rejected without touching state.
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
)

// Reduce folds ev into s. A non-nil error means ev was rejected and the
// returned state is s unchanged.
func Reduce(s State, ev Event) (State, error) {
	switch e := ev.(type) {
	case Connected:
		s.live = true
		return s, nil
	case Disconnected:
		// Presence and typing are kept; the next join brings a fresh snapshot.
		s.live = false
		return s, nil
	case MessageReceived:
		return s.receiveMessage(e.Message)
	case HistorySnapshot:
		return s.replaceHistory(e.Messages), nil
	case UserJoined:
		return s.userJoined(e.User)
	case UserLeft:
		return s.userLeft(e.Address)
	case PresenceSnapshot:
		return s.replacePresence(e.Users), nil
	case TypingChanged:
		return s.typingChanged(e)
	case TypingExpired:
		return s.expireTyping(e), nil
	case nil:
		return s, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	default:
		return s, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func (s State) receiveMessage(m models.Message) (State, error) {
	if m.ID == "" {
		return s, fmt.Errorf("%w: message without id", ErrMalformedEvent)
	}
	if s.messageIndex(m.ID) >= 0 {
		return s, nil
	}

	start := 0
	if len(s.messages)+1 > models.HistoryLimit {
		start = len(s.messages) + 1 - models.HistoryLimit
	}
	next := make([]models.Message, 0, len(s.messages)-start+1)
	next = append(next, s.messages[start:]...)
	next = append(next, m)

	s.messages = next
	s.appended++
	return s, nil
}

func (s State) replaceHistory(msgs []models.Message) State {
	next := make([]models.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		next = append(next, m)
	}
	if len(next) > models.HistoryLimit {
		next = next[len(next)-models.HistoryLimit:]
	}
	s.messages = next
	return s
}

func (s State) userJoined(u models.OnlineUser) (State, error) {
	if u.Address == "" {
		return s, fmt.Errorf("%w: presence entry without address", ErrMalformedEvent)
	}

	i := s.userIndex(u.Address)
	if i >= 0 && s.online[i] == u {
		return s, nil
	}

	next := make([]models.OnlineUser, len(s.online), len(s.online)+1)
	copy(next, s.online)
	if i >= 0 {
		next[i] = u
	} else {
		next = append(next, u)
	}
	s.online = next
	return s, nil
}

func (s State) userLeft(address string) (State, error) {
	if address == "" {
		return s, fmt.Errorf("%w: user-left without address", ErrMalformedEvent)
	}

	if i := s.userIndex(address); i >= 0 {
		next := make([]models.OnlineUser, 0, len(s.online)-1)
		next = append(next, s.online[:i]...)
		next = append(next, s.online[i+1:]...)
		s.online = next
	}
	// a participant who left cannot still be typing
	s.typing = s.withoutTyping(address)
	return s, nil
}

func (s State) replacePresence(users []models.OnlineUser) State {
	next := make([]models.OnlineUser, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u.Address == "" {
			continue
		}
		if _, dup := seen[u.Address]; dup {
			continue
		}
		seen[u.Address] = struct{}{}
		next = append(next, u)
	}
	s.online = next
	return s
}

func (s State) typingChanged(e TypingChanged) (State, error) {
	if e.Address == "" {
		return s, fmt.Errorf("%w: typing without address", ErrMalformedEvent)
	}
	if e.Address == s.self {
		return s, nil
	}

	if !e.IsTyping {
		s.typing = s.withoutTyping(e.Address)
		return s, nil
	}

	next := make([]typingEntry, len(s.typing), len(s.typing)+1)
	copy(next, s.typing)
	if i := s.typingIndex(e.Address); i >= 0 {
		next[i].since = e.At
	} else {
		next = append(next, typingEntry{address: e.Address, since: e.At})
	}
	s.typing = next
	return s, nil
}

func (s State) expireTyping(e TypingExpired) State {
	if e.TTL <= 0 || len(s.typing) == 0 {
		return s
	}
	cutoff := e.Now.Add(-e.TTL)

	var next []typingEntry
	for i, t := range s.typing {
		if t.since.IsZero() || t.since.After(cutoff) {
			if next != nil {
				next = append(next, t)
			}
			continue
		}
		if next == nil {
			next = make([]typingEntry, 0, len(s.typing)-1)
			next = append(next, s.typing[:i]...)
		}
	}
	if next != nil {
		s.typing = next
	}
	return s
}

func (s State) withoutTyping(address string) []typingEntry {
	i := s.typingIndex(address)
	if i < 0 {
		return s.typing
	}
	next := make([]typingEntry, 0, len(s.typing)-1)
	next = append(next, s.typing[:i]...)
	next = append(next, s.typing[i+1:]...)
	return next
}
