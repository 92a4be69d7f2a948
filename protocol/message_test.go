package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewMessageInjectsType(t *testing.T) {
	m, err := NewMessage("custom.event", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if got := m.Get("type").String(); got != "custom.event" {
		t.Fatalf("type field = %q", got)
	}
	if got := m.Get("n").Int(); got != 1 {
		t.Fatalf("n = %d", got)
	}
}

func TestNewMessageRejectsNonObject(t *testing.T) {
	if _, err := NewMessage("x", []int{1}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := NewMessage("", nil); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for empty type, got %v", err)
	}
}

func TestCommandResponseEncoding(t *testing.T) {
	m, err := Encode(CommandResponse{ID: "1", Name: "add", Success: true, Output: json.RawMessage(`5`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if m.MessageType() != TypeCommandResponse {
		t.Fatalf("type = %q", m.MessageType())
	}
	if m.Get("error").Exists() {
		t.Fatalf("error should be omitted: %s", m.Raw())
	}
	var res CommandResponse
	if err := m.Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(res.Output) != "5" || !res.Success {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestMessageUnmarshalJSON(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"type":"pong","receivedAt":2,"timestamp":1}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p Pong
	if err := m.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ReceivedAt != 2 || p.Timestamp != 1 {
		t.Fatalf("unexpected pong: %+v", p)
	}
	if err := json.Unmarshal([]byte(`{"kind":"pong"}`), &m); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
