package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidMessage indicates a message that is not a JSON object with a string type.
var ErrInvalidMessage = errors.New("invalid bridge message")

// Payload is anything that can be sent as a bridge message.
type Payload interface {
	MessageType() string
}

// Message is one member of the open tagged union carried inside an envelope.
// It keeps the full JSON object, including its "type" field.
type Message struct {
	typ string
	raw json.RawMessage
}

// NewMessage builds a message of the given type from fields, which must
// marshal to a JSON object (or be nil for an empty payload).
func NewMessage(typ string, fields any) (Message, error) {
	if typ == "" {
		return Message{}, fmt.Errorf("%w: empty type", ErrInvalidMessage)
	}
	raw := []byte("{}")
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s: %w", typ, err)
		}
		if !gjson.ParseBytes(b).IsObject() {
			return Message{}, fmt.Errorf("%w: %s fields are not an object", ErrInvalidMessage, typ)
		}
		raw = b
	}
	raw, err := sjson.SetBytes(raw, "type", typ)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{typ: typ, raw: raw}, nil
}

// Encode converts a payload into a Message.
func Encode(p Payload) (Message, error) {
	switch m := p.(type) {
	case Message:
		return m, nil
	case *Message:
		return *m, nil
	}
	return NewMessage(p.MessageType(), p)
}

// MessageType returns the discriminating type of the message.
func (m Message) MessageType() string { return m.typ }

// Raw returns the JSON object backing the message.
func (m Message) Raw() json.RawMessage { return m.raw }

// Get returns a single field of the message using a gjson path.
func (m Message) Get(path string) gjson.Result { return gjson.GetBytes(m.raw, path) }

// Decode unmarshals the message fields into v.
func (m Message) Decode(v any) error {
	if len(m.raw) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.raw, v)
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.raw) == 0 {
		return json.Marshal(map[string]string{"type": m.typ})
	}
	return m.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	if !r.IsObject() {
		return ErrInvalidMessage
	}
	t := r.Get("type")
	if t.Type != gjson.String {
		return ErrInvalidMessage
	}
	m.typ = t.Str
	m.raw = append(json.RawMessage(nil), b...)
	return nil
}

// NowMillis returns the current time as milliseconds since the Unix epoch,
// the unit used by heartbeat timestamps.
func NowMillis() int64 { return time.Now().UnixMilli() }
