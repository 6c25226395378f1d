package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound events.
const (
	EventJoin        = "conversation:join"
	EventLeave       = "conversation:leave"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventSend        = "message:send"
)

// Outbound events.
const (
	EventJoined          = "conversation:joined"
	EventConversationErr = "conversation:error"
	EventConversationNew = "conversation:new"
	EventMessageNew      = "message:new"
	EventTypingUpdate    = "typing:update"
	EventError           = "error"
)

// Event is one websocket frame: {"event": name, "data": payload}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Event{Name: name, Data: raw}, nil
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type ConversationError struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type TypingUpdate struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

type SendPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func personalGroup(userID string) string { return "user:" + userID }
func conversationGroup(conversationID string) string { return "conversation:" + conversationID }
