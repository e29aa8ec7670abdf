package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tally/internal/events"
)

// Message is the wire form of an event.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	Username  string    `json:"username,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Keys      []string  `json:"keys,omitempty"`
}

// NewMessage wraps e with a fresh message id.
func NewMessage(e events.Event) *Message {
	ts := e.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      string(e.Type),
		Timestamp: ts,
		State:     e.State,
		Username:  e.Username,
		Tags:      e.Tags,
		Keys:      e.Keys,
	}
}

// ToJSON converts the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON decodes a message published by Client.
func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
