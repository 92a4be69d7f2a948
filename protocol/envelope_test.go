package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	msg, err := Encode(Ping{Timestamp: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Serialize(NewEnvelope("chan-1", "sender-1", msg))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	env, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.BridgeID != "chan-1" || env.SenderID != "sender-1" || env.Marker != Marker {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Message.MessageType() != TypePing {
		t.Fatalf("type = %q", env.Message.MessageType())
	}
	var p Ping
	if err := env.Message.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Timestamp != 42 {
		t.Fatalf("timestamp = %d", p.Timestamp)
	}
}

func TestSerializeFillsMarker(t *testing.T) {
	msg, _ := NewMessage("custom", nil)
	b, err := Serialize(Envelope{BridgeID: "b", Message: msg})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw[MarkerField] != Marker {
		t.Fatalf("marker missing: %s", b)
	}
}

func TestParseRejectsForeignPackets(t *testing.T) {
	cases := map[string]string{
		"not json":          `hello`,
		"array":             `[1,2]`,
		"no marker":         `{"senderId":"s","bridgeId":"b","message":{"type":"ping"}}`,
		"wrong marker":      `{"__framjet_bridge__":"other","senderId":"s","bridgeId":"b","message":{"type":"ping"}}`,
		"missing bridge id": `{"__framjet_bridge__":"framjet-bridge","senderId":"s","message":{"type":"ping"}}`,
		"numeric bridge id": `{"__framjet_bridge__":"framjet-bridge","senderId":"s","bridgeId":7,"message":{"type":"ping"}}`,
		"numeric sender":    `{"__framjet_bridge__":"framjet-bridge","senderId":1,"bridgeId":"b","message":{"type":"ping"}}`,
		"null sender":       `{"__framjet_bridge__":"framjet-bridge","senderId":null,"bridgeId":"b","message":{"type":"ping"}}`,
		"message string":    `{"__framjet_bridge__":"framjet-bridge","senderId":"s","bridgeId":"b","message":"ping"}`,
		"message no type":   `{"__framjet_bridge__":"framjet-bridge","senderId":"s","bridgeId":"b","message":{"timestamp":1}}`,
		"numeric type":      `{"__framjet_bridge__":"framjet-bridge","senderId":"s","bridgeId":"b","message":{"type":3}}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(in)); !errors.Is(err, ErrNotBridgePacket) {
				t.Fatalf("expected ErrNotBridgePacket, got %v", err)
			}
		})
	}
}

func TestParseAcceptsMissingSender(t *testing.T) {
	env, err := Parse([]byte(`{"__framjet_bridge__":"framjet-bridge","bridgeId":"b","message":{"type":"ready"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.SenderID != "" || env.Message.MessageType() != TypeReady {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
