// Package wire defines the frames exchanged over the connection channel.
//
// Every frame is a JSON object {"type": ..., "payload": ...}. Payload shapes are
// fixed per event type; receivers ignore types they do not know.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Client to server.
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventStartEditing    = "start_editing"
	EventStopEditing     = "stop_editing"
	EventAckNotification = "ack_notification"
	EventHeartbeat       = "heartbeat"
	EventResync          = "resync"
)

// Server to client.
const (
	EventPresenceSnapshot = "presence_snapshot"
	EventNotification     = "notification"
	EventNotificationRead = "notification_read"
	EventEntityChanged    = "entity_changed"
	EventEntityDeleted    = "entity_deleted"
	EventError            = "error"
)

// Local events emitted by the client connection manager, never sent on the wire.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

var ErrMissingType = errors.New("frame type is required")

type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bind decodes the frame payload into target.
func (f Frame) Bind(target any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := sonic.Unmarshal(f.Payload, target); err != nil {
		return fmt.Errorf("%s: decode payload: %w", f.Type, err)
	}
	return nil
}

// NewFrame builds a frame with payload encoded. A nil payload yields no payload field.
func NewFrame(eventType string, payload any) (Frame, error) {
	if eventType == "" {
		return Frame{}, ErrMissingType
	}
	frame := Frame{Type: eventType}
	if payload == nil {
		return frame, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		frame.Payload = raw
		return frame, nil
	}
	encoded, err := sonic.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: encode payload: %w", eventType, err)
	}
	frame.Payload = encoded
	return frame, nil
}

// Encode returns the serialized frame for eventType and payload.
func Encode(eventType string, payload any) ([]byte, error) {
	frame, err := NewFrame(eventType, payload)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(frame)
}

func EncodeFrame(frame Frame) ([]byte, error) {
	if frame.Type == "" {
		return nil, ErrMissingType
	}
	data, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, ErrMissingType
	}
	return frame, nil
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type EditingPayload struct {
	RoomID   string `json:"roomId"`
	EntityID string `json:"entityId"`
}

type AckPayload struct {
	ID string `json:"id"`
}

type Action string

const (
	ActionViewing Action = "viewing"
	ActionEditing Action = "editing"
)

type PresenceEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	EntityID    string    `json:"entityId,omitempty"`
	Action      Action    `json:"action"`
	RoomID      string    `json:"roomId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type PresenceSnapshot struct {
	RoomID  string          `json:"roomId"`
	Entries []PresenceEntry `json:"entries"`
}

type Notification struct {
	ID              string    `json:"id"`
	RecipientUserID string    `json:"recipientUserId"`
	Type            string    `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	RelatedEntity   string    `json:"relatedEntity,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	Read            bool      `json:"read"`
}

type EntityChanged struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type EntityDeleted struct {
	Key string `json:"key"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
