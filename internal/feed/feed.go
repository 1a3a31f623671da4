// Package feed is the redis-backed change feed: writers publish row-level
// insert/update envelopes on a per-chat channel, engines subscribe to exactly
// one channel at a time. Delivery is at-least-once and unordered relative to
// direct store reads.
package feed

import (
	"encoding/json"

	"chatsync/internal/chat"
)

const (
	EventInsert = "insert"
	EventUpdate = "update"

	channelPrefix = "chat:events:"
)

type Envelope struct {
	Event   string              `json:"event"`
	Message *chat.Message       `json:"message,omitempty"`
	Update  *chat.MessageUpdate `json:"update,omitempty"`
}

func channelFor(chatID string) string {
	return channelPrefix + chatID
}

func encodeInsert(msg chat.Message) ([]byte, error) {
	return json.Marshal(Envelope{Event: EventInsert, Message: &msg})
}

func encodeRead(id string) ([]byte, error) {
	read := true
	return json.Marshal(Envelope{Event: EventUpdate, Update: &chat.MessageUpdate{ID: id, IsRead: &read}})
}
