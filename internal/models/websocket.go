package models

import (
	"encoding/json"
	"fmt"
)

type EventName string

// Lifecycle events are raised by the transport itself.
const (
	EventConnect    EventName = "connect"
	EventDisconnect EventName = "disconnect"
)

const (
	EventJoin        EventName = "chat:join"
	EventMessage     EventName = "chat:message"
	EventHistory     EventName = "chat:history"
	EventUserJoined  EventName = "chat:user-joined"
	EventUserLeft    EventName = "chat:user-left"
	EventOnlineUsers EventName = "chat:online-users"
	EventTyping      EventName = "chat:typing"
)

const (
	MaxMessageLength = 500
	HistoryLimit     = 100
)

// Envelope is the frame carried over the websocket.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event EventName, payload interface{}) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// JoinRequest is sent by the client after every connect.
type JoinRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
}

// SendMessageRequest is the client's message-create command.
type SendMessageRequest struct {
	Text      string `json:"message"`
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
}

// TypingRequest is the client's typing-change command.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// TypingNotice is the server's relay of another participant's typing state.
type TypingNotice struct {
	Address  string `json:"address"`
	IsTyping bool   `json:"isTyping"`
}
