package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/roomsync/roomsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		name  models.EventName
		data  string
		want  Event
		drops int
	}{
		{models.EventConnect, "", Connected{}, 0},
		{models.EventDisconnect, "", Disconnected{}, 0},
		{
			models.EventMessage,
			`{"id":"m1","address":"0xa","message":"hi","timestamp":5}`,
			MessageReceived{Message: models.Message{ID: "m1", Address: "0xa", Text: "hi", Timestamp: 5}},
			0,
		},
		{
			models.EventHistory,
			`[{"id":"m1"},{"address":"0xa"},{"id":"m2"}]`,
			HistorySnapshot{Messages: []models.Message{{ID: "m1"}, {ID: "m2"}}},
			1,
		},
		{
			models.EventUserJoined,
			`{"address":"0xa","displayName":"al","joinedAt":9}`,
			UserJoined{User: models.OnlineUser{Address: "0xa", DisplayName: "al", JoinedAt: 9}},
			0,
		},
		{models.EventUserLeft, `"0xa"`, UserLeft{Address: "0xa"}, 0},
		{
			models.EventOnlineUsers,
			`[{"address":"0xa"},{"displayName":"x"}]`,
			PresenceSnapshot{Users: []models.OnlineUser{{Address: "0xa"}}},
			1,
		},
		{
			models.EventTyping,
			`{"address":"0xa","isTyping":true}`,
			TypingChanged{Address: "0xa", IsTyping: true},
			0,
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			var data json.RawMessage
			if tt.data != "" {
				data = json.RawMessage(tt.data)
			}
			got, drops, err := Decode(tt.name, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.drops, drops)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name models.EventName
		data string
		want error
	}{
		{models.EventMessage, `{"message":"no id"}`, ErrMalformedEvent},
		{models.EventMessage, ``, ErrMalformedEvent},
		{models.EventMessage, `[]`, ErrMalformedEvent},
		{models.EventUserJoined, `{}`, ErrMalformedEvent},
		{models.EventUserLeft, `""`, ErrMalformedEvent},
		{models.EventUserLeft, `{"address":"0xa"}`, ErrMalformedEvent},
		{models.EventTyping, `{"isTyping":true}`, ErrMalformedEvent},
		{models.EventHistory, `{"id":"m1"}`, ErrMalformedEvent},
		{"chat:reaction", `{}`, ErrUnknownEvent},
	}

	for _, tt := range tests {
		_, _, err := Decode(tt.name, json.RawMessage(tt.data))
		require.Error(t, err, "%s %s", tt.name, tt.data)
		assert.True(t, errors.Is(err, tt.want), "%s %s: %v", tt.name, tt.data, err)
	}
}
