package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecodeCarriesPayload(t *testing.T) {
	data, err := Encode(EventStartEditing, EditingPayload{RoomID: "P1", EntityID: "T7"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if raw["type"] != EventStartEditing {
		t.Fatalf("type = %v, want %s", raw["type"], EventStartEditing)
	}

	frame, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var payload EditingPayload
	if err := frame.Bind(&payload); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if payload.RoomID != "P1" || payload.EntityID != "T7" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDecodeRequiresType(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{}}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("Decode() error = %v, want ErrMissingType", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewFrameWithoutPayload(t *testing.T) {
	frame, err := NewFrame(EventHeartbeat, nil)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Fatalf("expected empty payload, got %s", frame.Payload)
	}
	if err := frame.Bind(&RoomPayload{}); err == nil {
		t.Fatal("expected Bind() to fail on empty payload")
	}
}

func TestNewFrameKeepsRawPayload(t *testing.T) {
	raw := json.RawMessage(`{"key":"task:1","value":{"id":"1"}}`)
	frame, err := NewFrame(EventEntityChanged, raw)
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	if string(frame.Payload) != string(raw) {
		t.Fatalf("payload = %s, want %s", frame.Payload, raw)
	}
}
