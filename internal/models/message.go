package models

import (
	"sort"
	"time"
)

// Message is one chat line as pushed by the server.
type Message struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
	Text        string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
	Edited      bool   `json:"edited,omitempty"`
}

// Label is the name shown for the author.
func (m Message) Label() string {
	return DisplayLabel(m.Address, m.DisplayName)
}

// Time converts the millisecond timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// OnlineUser is a presence entry.
type OnlineUser struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
	JoinedAt    int64  `json:"joinedAt"`
}

func (u OnlineUser) Label() string {
	return DisplayLabel(u.Address, u.DisplayName)
}

// DisplayLabel falls back to "User <first 6 chars>" when no name is set.
func DisplayLabel(address, displayName string) string {
	if displayName != "" {
		return displayName
	}
	return "User " + prefix(address, 6)
}

// ShortAddress renders 0x1234...abcd style addresses.
func ShortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// SortedByTimestamp returns a copy of msgs ordered by server time. Ties keep
// arrival order.
func SortedByTimestamp(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
