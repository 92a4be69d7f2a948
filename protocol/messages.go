package protocol

import "encoding/json"

// Built-in message types.
const (
	TypeReady           = "ready"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeCommandRequest  = "cmd.req"
	TypeCommandResponse = "cmd.res"
)

// Ready is the handshake message. Ack marks a reply to another ready and is
// never answered itself.
type Ready struct {
	Version string `json:"version,omitempty"`
	Ack     bool   `json:"ack,omitempty"`
}

func (Ready) MessageType() string { return TypeReady }

// Ping probes the peer.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (Ping) MessageType() string { return TypePing }

// Pong answers a ping, echoing its timestamp.
type Pong struct {
	ReceivedAt int64 `json:"receivedAt"`
	Timestamp  int64 `json:"timestamp"`
}

func (Pong) MessageType() string { return TypePong }

// CommandRequest asks the peer to run a named command.
type CommandRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (CommandRequest) MessageType() string { return TypeCommandRequest }

// CommandResponse settles a CommandRequest with the same ID.
type CommandResponse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (CommandResponse) MessageType() string { return TypeCommandResponse }
