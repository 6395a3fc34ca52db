package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MessageType tags a Message and selects its payload variant.
type MessageType string

const (
	TypeNotification MessageType = "notification"
	TypeMessage      MessageType = "message"
	TypeSystem       MessageType = "system"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeAck          MessageType = "ack"
)

// Valid reports whether t is one of the five wire types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeNotification, TypeMessage, TypeSystem, TypeHeartbeat, TypeAck:
		return true
	}
	return false
}

// Queueable reports whether messages of this type may be held for offline users.
// Heartbeats and acks are only meaningful on the connection they were sent on.
func (t MessageType) Queueable() bool {
	return t == TypeNotification || t == TypeMessage || t == TypeSystem
}

// SystemAction is the action carried by a system message.
type SystemAction string

const (
	ActionMaintenance SystemAction = "maintenance"
	ActionUpdate      SystemAction = "update"
	ActionBroadcast   SystemAction = "broadcast"
	ActionKick        SystemAction = "kick"
)

// AckStatus is the delivery state reported by an ack.
type AckStatus string

const (
	AckReceived AckStatus = "received"
	AckRead     AckStatus = "read"
	AckError    AckStatus = "error"
)

// Payload is implemented by every payload variant.
type Payload interface {
	MessageType() MessageType
}

// NotificationPayload is the payload of a notification message.
type NotificationPayload struct {
	Title string         `json:"title" validate:"required"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	URL   string         `json:"url,omitempty" validate:"omitempty,uri"`
	Data  map[string]any `json:"data,omitempty"`
}

func (NotificationPayload) MessageType() MessageType { return TypeNotification }

// ChatPayload is the payload of a chat-style message.
type ChatPayload struct {
	Content        string         `json:"content" validate:"required"`
	ConversationID string         `json:"conversationId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

func (ChatPayload) MessageType() MessageType { return TypeMessage }

// SystemPayload is the payload of a system message.
type SystemPayload struct {
	Action  SystemAction   `json:"action" validate:"required,oneof=maintenance update broadcast kick"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (SystemPayload) MessageType() MessageType { return TypeSystem }

// HeartbeatPayload carries the client send time and, in server replies, the server time.
type HeartbeatPayload struct {
	ClientTime time.Time  `json:"timestamp" validate:"required"`
	ServerTime *time.Time `json:"serverTime,omitempty"`
}

func (HeartbeatPayload) MessageType() MessageType { return TypeHeartbeat }

// AckPayload acknowledges a previously delivered message.
type AckPayload struct {
	MessageID string    `json:"messageId" validate:"required"`
	Status    AckStatus `json:"status" validate:"required,oneof=received read error"`
	Error     string    `json:"error,omitempty"`
}

func (AckPayload) MessageType() MessageType { return TypeAck }

// Message is the immutable envelope exchanged between server and clients.
// Ext carries opaque forward-compatible fields and is passed through untouched.
type Message struct {
	ID           string          `json:"id"`
	Type         MessageType     `json:"type"`
	Payload      Payload         `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Ext          json.RawMessage `json:"ext,omitempty"`
}

// Option customises a message at construction.
type Option func(*Message)

// WithSender sets the sending user.
func WithSender(userID string) Option {
	return func(m *Message) { m.UserID = userID }
}

// WithTarget sets the intended recipient.
func WithTarget(userID string) Option {
	return func(m *Message) { m.TargetUserID = userID }
}

// WithExt attaches opaque extension data.
func WithExt(raw json.RawMessage) Option {
	return func(m *Message) { m.Ext = raw }
}

var (
	validate = validator.New()
	now      = time.Now
)

// NewMessage stamps a fresh id and timestamp on a validated payload.
func NewMessage(t MessageType, p Payload, opts ...Option) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   p,
		Timestamp: now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// NewNotification builds a notification message.
func NewNotification(p NotificationPayload, opts ...Option) (Message, error) {
	return NewMessage(TypeNotification, p, opts...)
}

// NewChatMessage builds a chat-style message.
func NewChatMessage(p ChatPayload, opts ...Option) (Message, error) {
	return NewMessage(TypeMessage, p, opts...)
}

// NewSystemMessage builds a system message.
func NewSystemMessage(action SystemAction, text string, data map[string]any, opts ...Option) (Message, error) {
	return NewMessage(TypeSystem, SystemPayload{Action: action, Message: text, Data: data}, opts...)
}

// NewHeartbeat builds a heartbeat stamped with the sender's clock.
func NewHeartbeat(clientTime time.Time, opts ...Option) (Message, error) {
	return NewMessage(TypeHeartbeat, HeartbeatPayload{ClientTime: clientTime.UTC()}, opts...)
}

// NewAck builds an acknowledgement for messageID.
func NewAck(messageID string, status AckStatus, errText string, opts ...Option) (Message, error) {
	return NewMessage(TypeAck, AckPayload{MessageID: messageID, Status: status, Error: errText}, opts...)
}

// Validate checks that the payload matches the type and satisfies its constraints.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, m.Type)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: missing payload for %s", ErrInvalidPayload, m.Type)
	}
	if m.Payload.MessageType() != m.Type {
		return fmt.Errorf("%w: %s payload on %s message", ErrInvalidPayload, m.Payload.MessageType(), m.Type)
	}
	if err := validate.Struct(m.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type wireMessage struct {
	ID           string          `json:"id"`
	Type         MessageType     `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Ext          json.RawMessage `json:"ext,omitempty"`
}

// UnmarshalJSON decodes the payload into the variant selected by type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:           w.ID,
		Type:         w.Type,
		Payload:      p,
		Timestamp:    w.Timestamp,
		UserID:       w.UserID,
		TargetUserID: w.TargetUserID,
		Ext:          w.Ext,
	}
	return nil
}

func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing payload for %q", ErrInvalidPayload, t)
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeNotification:
		var v NotificationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeMessage:
		var v ChatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeSystem:
		var v SystemPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeHeartbeat:
		var v HeartbeatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeAck:
		var v AckPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
