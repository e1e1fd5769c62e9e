package engine

import (
	"encoding/json"
	"fmt"

	"github.com/roomsync/roomsync/internal/models"
)

// Decode turns one transport frame into an Event. Snapshot entries missing
// their key are dropped; the count is returned so callers can report it.
func Decode(name models.EventName, data json.RawMessage) (Event, int, error) {
	switch name {
	case models.EventConnect:
		return Connected{}, 0, nil
	case models.EventDisconnect:
		return Disconnected{}, 0, nil

	case models.EventMessage:
		var m models.Message
		if err := unmarshal(name, data, &m); err != nil {
			return nil, 0, err
		}
		if m.ID == "" {
			return nil, 0, fmt.Errorf("%w: %s without id", ErrMalformedEvent, name)
		}
		return MessageReceived{Message: m}, 0, nil

	case models.EventHistory:
		var msgs []models.Message
		if err := unmarshal(name, data, &msgs); err != nil {
			return nil, 0, err
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ID != "" {
				kept = append(kept, m)
			}
		}
		return HistorySnapshot{Messages: kept}, len(msgs) - len(kept), nil

	case models.EventUserJoined:
		var u models.OnlineUser
		if err := unmarshal(name, data, &u); err != nil {
			return nil, 0, err
		}
		if u.Address == "" {
			return nil, 0, fmt.Errorf("%w: %s without address", ErrMalformedEvent, name)
		}
		return UserJoined{User: u}, 0, nil

	case models.EventUserLeft:
		var address string
		if err := unmarshal(name, data, &address); err != nil {
			return nil, 0, err
		}
		if address == "" {
			return nil, 0, fmt.Errorf("%w: %s without address", ErrMalformedEvent, name)
		}
		return UserLeft{Address: address}, 0, nil

	case models.EventOnlineUsers:
		var users []models.OnlineUser
		if err := unmarshal(name, data, &users); err != nil {
			return nil, 0, err
		}
		kept := users[:0]
		for _, u := range users {
			if u.Address != "" {
				kept = append(kept, u)
			}
		}
		return PresenceSnapshot{Users: kept}, len(users) - len(kept), nil

	case models.EventTyping:
		var n models.TypingNotice
		if err := unmarshal(name, data, &n); err != nil {
			return nil, 0, err
		}
		if n.Address == "" {
			return nil, 0, fmt.Errorf("%w: %s without address", ErrMalformedEvent, name)
		}
		return TypingChanged{Address: n.Address, IsTyping: n.IsTyping}, 0, nil
	}

	return nil, 0, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}

func unmarshal(name models.EventName, data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedEvent, name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	return nil
}
