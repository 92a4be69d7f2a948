package protocol

import (
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"
)

const (
	// Marker identifies packets belonging to this protocol.
	Marker = "framjet-bridge"
	// MarkerField is the envelope key carrying Marker.
	MarkerField = "__framjet_bridge__"
)

// ErrNotBridgePacket is returned by Parse for any payload that is not a
// well-formed envelope.
var ErrNotBridgePacket = errors.New("not a bridge packet")

// Envelope wraps a message with the protocol marker and channel routing.
type Envelope struct {
	Marker   string  `json:"__framjet_bridge__"`
	SenderID string  `json:"senderId,omitempty"`
	BridgeID string  `json:"bridgeId"`
	Message  Message `json:"message"`
}

// NewEnvelope wraps msg for the given channel and sender.
func NewEnvelope(bridgeID, senderID string, msg Message) Envelope {
	return Envelope{Marker: Marker, SenderID: senderID, BridgeID: bridgeID, Message: msg}
}

// Serialize encodes the envelope to its wire form.
func Serialize(env Envelope) ([]byte, error) {
	if env.Marker == "" {
		env.Marker = Marker
	}
	return json.Marshal(env)
}

// Parse decodes and structurally validates a wire payload. senderId is
// optional but must be a string when present.
func Parse(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, ErrNotBridgePacket
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, ErrNotBridgePacket
	}
	marker := root.Get(MarkerField)
	if marker.Type != gjson.String || marker.Str != Marker {
		return Envelope{}, ErrNotBridgePacket
	}
	bridgeID := root.Get("bridgeId")
	if bridgeID.Type != gjson.String {
		return Envelope{}, ErrNotBridgePacket
	}
	sender := root.Get("senderId")
	if sender.Exists() && sender.Type != gjson.String {
		return Envelope{}, ErrNotBridgePacket
	}
	msg := root.Get("message")
	if !msg.IsObject() {
		return Envelope{}, ErrNotBridgePacket
	}
	typ := msg.Get("type")
	if typ.Type != gjson.String {
		return Envelope{}, ErrNotBridgePacket
	}
	return Envelope{
		Marker:   marker.Str,
		SenderID: sender.Str,
		BridgeID: bridgeID.Str,
		Message:  Message{typ: typ.Str, raw: json.RawMessage(msg.Raw)},
	}, nil
}
