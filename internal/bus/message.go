// Copyright 2025 James Ross
package bus

import (
	"time"

	"github.com/flyingrobots/go-message-fabric/internal/container"
	"github.com/google/uuid"
)

// MessageType classifies the intent of a message.
type MessageType int

const (
	Command MessageType = iota
	Query
	Reply
	Event
	Notification
)

func (t MessageType) String() string {
	switch t {
	case Command:
		return "command"
	case Query:
		return "query"
	case Reply:
		return "reply"
	case Event:
		return "event"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

// Priority orders worker-mode dispatch; critical beats high beats
// normal beats low.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// priorityCount is the number of admission queues the bus maintains.
const priorityCount = 4

// IsValidPriority reports whether p is a defined level.
func IsValidPriority(p Priority) bool { return p >= Low && p <= Critical }

// Message is immutable after construction. The payload is either a
// value container or raw bytes, never both.
type Message struct {
	ID            string
	Type          MessageType
	Priority      Priority
	Sender        string
	Recipient     string
	Topic         string
	Timestamp     time.Time
	Payload       *container.ValueContainer
	Raw           []byte
	Metadata      map[string]string
	CorrelationID string
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(t MessageType, topic string, payload *container.ValueContainer) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  Normal,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  map[string]string{},
	}
}

// NewRawMessage builds a message carrying opaque bytes.
func NewRawMessage(t MessageType, topic string, raw []byte) *Message {
	m := NewMessage(t, topic, nil)
	m.Raw = append([]byte(nil), raw...)
	return m
}

// WithPriority returns a copy at the given priority.
func (m *Message) WithPriority(p Priority) *Message {
	c := m.Clone()
	c.Priority = p
	return c
}

// WithSender returns a copy with sender and recipient set.
func (m *Message) WithSender(sender, recipient string) *Message {
	c := m.Clone()
	c.Sender, c.Recipient = sender, recipient
	return c
}

// WithCorrelation returns a copy correlated to another message id.
func (m *Message) WithCorrelation(id string) *Message {
	c := m.Clone()
	c.CorrelationID = id
	return c
}

// WithMetadata returns a copy with one metadata header added.
func (m *Message) WithMetadata(key, value string) *Message {
	c := m.Clone()
	c.Metadata[key] = value
	return c
}

// Clone copies the message. The payload container is shared (it is
// itself treated as immutable once attached); the metadata map is
// copied so transforms never mutate the original.
func (m *Message) Clone() *Message {
	meta := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		meta[k] = v
	}
	out := *m
	out.Metadata = meta
	out.Raw = append([]byte(nil), m.Raw...)
	return &out
}

// PayloadBytes serializes the payload for sinks: the container binary
// form when present, otherwise the raw bytes.
func (m *Message) PayloadBytes() ([]byte, error) {
	if m.Payload != nil {
		return m.Payload.Serialize()
	}
	return append([]byte(nil), m.Raw...), nil
}
