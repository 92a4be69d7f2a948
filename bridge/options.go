package bridge

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/framjet-bridge/transport"
)

// Defaults applied by Options.SetDefaults.
const (
	DefaultInitializeTimeout  = 5 * time.Second
	DefaultPingInterval       = 60 * time.Second
	DefaultReadyRetryInterval = time.Second
	DefaultProtocolVersion    = "1.0.0"
	DefaultInboxSize          = 256
)

// Options configures a Bridge. Zero values are replaced with defaults.
type Options struct {
	// InitializeTimeout bounds the handshake.
	InitializeTimeout time.Duration
	// PingInterval is the heartbeat period once ready.
	PingInterval time.Duration
	// ReadyRetryInterval is the period at which ready is re-sent while initializing.
	ReadyRetryInterval time.Duration
	// Origin filters inbound senders and targets outbound sends. Defaults to "*".
	Origin string
	// ProtocolVersion is advertised in ready messages but never enforced.
	ProtocolVersion string
	// SenderID identifies this bridge in outbound envelopes. Defaults to a random uuid.
	SenderID string
	// OnReady runs on the bridge loop after the handshake completes.
	OnReady func(*Bridge)
	// OnDestroy runs once from Destroy.
	OnDestroy func(*Bridge)
	// Logger overrides the shared logger.
	Logger *zerolog.Logger
	// InboxSize bounds queued inbound events.
	InboxSize int
}

// SetDefaults fills in unset fields.
func (o *Options) SetDefaults() {
	if o.InitializeTimeout <= 0 {
		o.InitializeTimeout = DefaultInitializeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadyRetryInterval <= 0 {
		o.ReadyRetryInterval = DefaultReadyRetryInterval
	}
	if o.Origin == "" {
		o.Origin = transport.Wildcard
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.SenderID == "" {
		o.SenderID = uuid.NewString()
	}
	if o.OnReady == nil {
		o.OnReady = func(*Bridge) {}
	}
	if o.OnDestroy == nil {
		o.OnDestroy = func(*Bridge) {}
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
}
