package engine

import (
	"time"

	"github.com/roomsync/roomsync/internal/models"
)

// Event is one inbound fact folded into State.
type Event interface {
	Name() models.EventName
}

type Connected struct{}

type Disconnected struct{}

type MessageReceived struct {
	Message models.Message
}

// HistorySnapshot replaces the whole message log.
type HistorySnapshot struct {
	Messages []models.Message
}

type UserJoined struct {
	User models.OnlineUser
}

type UserLeft struct {
	Address string
}

// PresenceSnapshot replaces the whole presence set.
type PresenceSnapshot struct {
	Users []models.OnlineUser
}

// TypingChanged carries a remote participant's typing state. At is the
// ingestion time used for expiry; the store stamps it when left zero.
type TypingChanged struct {
	Address  string
	IsTyping bool
	At       time.Time
}

// TypingExpired drops typing entries not reasserted within TTL of Now.
type TypingExpired struct {
	Now time.Time
	TTL time.Duration
}

func (Connected) Name() models.EventName        { return models.EventConnect }
func (Disconnected) Name() models.EventName     { return models.EventDisconnect }
func (MessageReceived) Name() models.EventName  { return models.EventMessage }
func (HistorySnapshot) Name() models.EventName  { return models.EventHistory }
func (UserJoined) Name() models.EventName       { return models.EventUserJoined }
func (UserLeft) Name() models.EventName         { return models.EventUserLeft }
func (PresenceSnapshot) Name() models.EventName { return models.EventOnlineUsers }
func (TypingChanged) Name() models.EventName    { return models.EventTyping }
func (TypingExpired) Name() models.EventName    { return "typing-expired" }
