// Package bridge runs the handshake, heartbeat and typed dispatch of one
// logical channel over a fire-and-forget transport.
//
// Every Bridge owns a single loop goroutine. Inbound events, the ready
// retransmit ticker, the handshake deadline and the ping ticker are all
// handled on that loop, so handlers never run concurrently for one Bridge.
// Handlers must not block: a handler waiting on the bridge (for example an
// RPC call over the same bridge) stalls dispatch until it returns.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/framjet-bridge/internal/logx"
	"github.com/gaspardpetit/framjet-bridge/metrics"
	"github.com/gaspardpetit/framjet-bridge/protocol"
	"github.com/gaspardpetit/framjet-bridge/transport"
)

var (
	// ErrHandshakeTimeout is reported when the peer did not answer the
	// handshake within the initialize timeout.
	ErrHandshakeTimeout = errors.New("bridge handshake timeout")
	// ErrDestroyed is returned by operations on a destroyed bridge.
	ErrDestroyed = errors.New("bridge destroyed")
)

// State is the lifecycle state of a Bridge.
type State int32

const (
	Initializing State = iota
	Ready
	Destroyed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Bridge is one endpoint of a logical channel identified by its id.
type Bridge struct {
	id        string
	transport transport.Transport
	opts      Options
	log       zerolog.Logger
	handlers  *registry

	mu              sync.RWMutex
	state           State
	handshakeFailed bool
	lastPong        time.Time

	inbox       chan transport.Event
	done        chan struct{}
	destroyOnce sync.Once
	unsubscribe func()

	readyCh   chan struct{}
	readyOnce sync.Once
	readyErr  error

	// owned by the loop goroutine once started
	retry    *time.Ticker
	deadline *time.Timer
	ping     *time.Ticker
	readyReg *Registration
}

// New creates a bridge on t and starts the handshake immediately: a ready
// message is sent now and re-sent every ReadyRetryInterval until the peer
// answers or InitializeTimeout elapses.
func New(id string, t transport.Transport, opts Options) *Bridge {
	opts.SetDefaults()
	base := logx.Log
	if opts.Logger != nil {
		base = *opts.Logger
	}
	b := &Bridge{
		id:        id,
		transport: t,
		opts:      opts,
		log:       base.With().Str("component", "bridge").Str("bridge_id", id).Str("sender_id", opts.SenderID).Logger(),
		handlers:  newRegistry(),
		state:     Initializing,
		inbox:     make(chan transport.Event, opts.InboxSize),
		done:      make(chan struct{}),
		readyCh:   make(chan struct{}),
	}
	metrics.BridgeOpened()
	b.readyReg = b.RegisterHandler(protocol.TypeReady, b.onHandshakeReady)
	b.retry = time.NewTicker(opts.ReadyRetryInterval)
	b.deadline = time.NewTimer(opts.InitializeTimeout)
	b.unsubscribe = t.Subscribe(b.receive)
	go b.run()
	b.sendReady(false)
	return b
}

// Create constructs a bridge and waits for the handshake. On failure the
// bridge is destroyed and the error returned.
func Create(ctx context.Context, id string, t transport.Transport, opts Options) (*Bridge, error) {
	b := New(id, t, opts)
	if err := b.WaitReady(ctx); err != nil {
		b.Destroy()
		return nil, err
	}
	return b, nil
}

// ID returns the channel id.
func (b *Bridge) ID() string { return b.id }

// SenderID returns the id stamped on outbound envelopes.
func (b *Bridge) SenderID() string { return b.opts.SenderID }

// ProtocolVersion returns the advertised protocol version.
func (b *Bridge) ProtocolVersion() string { return b.opts.ProtocolVersion }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// HandshakeFailed reports whether the handshake deadline expired.
func (b *Bridge) HandshakeFailed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handshakeFailed
}

// LastPong returns when the last pong was received, or the zero time.
func (b *Bridge) LastPong() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPong
}

// Handshake returns a channel closed once readiness is settled, whether by
// success, handshake timeout or destruction.
func (b *Bridge) Handshake() <-chan struct{} { return b.readyCh }

// WaitReady blocks until the handshake completes. It returns nil once
// ready, an error wrapping ErrHandshakeTimeout or ErrDestroyed when
// readiness failed, or ctx.Err().
func (b *Bridge) WaitReady(ctx context.Context) error {
	select {
	case <-b.readyCh:
		return b.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterHandler adds h for messages of type typ. Several handlers may be
// registered per type; they run in registration order.
func (b *Bridge) RegisterHandler(typ string, h Handler) *Registration {
	return b.handlers.add(typ, h)
}

// HandlerCount returns the number of handlers registered for typ.
func (b *Bridge) HandlerCount(typ string) int { return b.handlers.count(typ) }

// HandledTypes lists the message types with at least one handler.
func (b *Bridge) HandledTypes() []string { return b.handlers.types() }

// Send wraps p in an envelope and hands it to the transport. It works in
// every state except Destroyed, including before the handshake completes.
func (b *Bridge) Send(p protocol.Payload) error {
	msg, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	data, err := protocol.Serialize(protocol.NewEnvelope(b.id, b.opts.SenderID, msg))
	if err != nil {
		return fmt.Errorf("serialize %s: %w", msg.MessageType(), err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == Destroyed {
		return ErrDestroyed
	}
	b.transport.Send(data, b.opts.Origin)
	metrics.RecordOutbound(msg.MessageType())
	return nil
}

// Destroy stops the heartbeat, unsubscribes from the transport and runs
// OnDestroy. Pending readiness fails with ErrDestroyed. Calling it again is
// a no-op.
func (b *Bridge) Destroy() {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		prev := b.state
		b.state = Destroyed
		b.mu.Unlock()
		close(b.done)
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		metrics.BridgeClosed()
		if prev == Initializing {
			b.settleReady(fmt.Errorf("%w: bridge %s before handshake", ErrDestroyed, b.id))
		}
		b.opts.OnDestroy(b)
		b.log.Debug().Str("previous_state", prev.String()).Msg("bridge destroyed")
	})
}

func (b *Bridge) receive(ev transport.Event) {
	select {
	case <-b.done:
		metrics.RecordDrop(metrics.DropDestroyed)
		return
	default:
	}
	select {
	case b.inbox <- ev:
	case <-b.done:
		metrics.RecordDrop(metrics.DropDestroyed)
	}
}

func (b *Bridge) run() {
	defer b.stopTimers()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.inbox:
			b.dispatch(ev)
		case <-tickerC(b.retry):
			b.sendReady(false)
		case <-timerC(b.deadline):
			b.deadline = nil
			b.onHandshakeTimeout()
		case <-tickerC(b.ping):
			b.sendPing()
		}
	}
}

func (b *Bridge) dispatch(ev transport.Event) {
	if b.State() == Destroyed {
		metrics.RecordDrop(metrics.DropDestroyed)
		return
	}
	if !transport.OriginAllowed(b.opts.Origin, ev.Origin) {
		metrics.RecordDrop(metrics.DropOrigin)
		b.log.Debug().Str("origin", ev.Origin).Msg("dropping message from foreign origin")
		return
	}
	env, err := protocol.Parse(ev.Data)
	if err != nil {
		metrics.RecordDrop(metrics.DropMalformed)
		b.log.Debug().Int("bytes", len(ev.Data)).Msg("dropping non bridge payload")
		return
	}
	if env.BridgeID != b.id {
		metrics.RecordDrop(metrics.DropBridgeID)
		b.log.Debug().Str("packet_bridge_id", env.BridgeID).Msg("dropping packet for another bridge")
		return
	}
	if env.SenderID != "" && env.SenderID == b.opts.SenderID {
		metrics.RecordDrop(metrics.DropSelf)
		return
	}
	typ := env.Message.MessageType()
	handlers := b.handlers.snapshot(typ)
	if len(handlers) == 0 {
		metrics.RecordInbound(metrics.OtherType)
	} else {
		metrics.RecordInbound(typ)
	}
	for _, h := range handlers {
		if b.State() == Destroyed {
			return
		}
		b.invoke(h, env, ev)
	}
}

func (b *Bridge) invoke(h Handler, env protocol.Envelope, ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("type", env.Message.MessageType()).Msg("message handler panicked")
		}
	}()
	h(env.Message, env, ev)
}

// onHandshakeReady resolves readiness on the first ready from the peer.
func (b *Bridge) onHandshakeReady(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
	// the retransmit ticker must be gone before anything else happens
	b.stopRetry()
	if b.deadline != nil {
		b.deadline.Stop()
		b.deadline = nil
	}
	b.readyReg.Remove()

	b.mu.Lock()
	if b.state != Initializing || b.handshakeFailed {
		b.mu.Unlock()
		return
	}
	b.state = Ready
	b.mu.Unlock()

	metrics.RecordHandshake(true)
	b.settleReady(nil)
	if !msg.Get("ack").Bool() {
		b.sendReady(true)
	}
	b.log.Info().Str("peer_version", msg.Get("version").String()).Msg("bridge ready")
	b.opts.OnReady(b)

	b.RegisterHandler(protocol.TypePing, b.onPing)
	b.RegisterHandler(protocol.TypePong, b.onPong)
	b.RegisterHandler(protocol.TypeReady, b.onLateReady)
	b.ping = time.NewTicker(b.opts.PingInterval)
}

func (b *Bridge) onHandshakeTimeout() {
	b.stopRetry()
	b.readyReg.Remove()
	b.mu.Lock()
	if b.state != Initializing {
		b.mu.Unlock()
		return
	}
	b.handshakeFailed = true
	b.mu.Unlock()
	metrics.RecordHandshake(false)
	b.log.Warn().Dur("timeout", b.opts.InitializeTimeout).Msg("bridge handshake timed out")
	b.settleReady(fmt.Errorf("%w: bridge %s after %s", ErrHandshakeTimeout, b.id, b.opts.InitializeTimeout))
}

// onLateReady acknowledges a peer that is still initializing. Acks are
// never answered so two ready peers cannot loop.
func (b *Bridge) onLateReady(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
	if msg.Get("ack").Bool() {
		return
	}
	b.sendReady(true)
}

func (b *Bridge) onPing(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
	var p protocol.Ping
	if err := msg.Decode(&p); err != nil {
		b.log.Debug().Err(err).Msg("invalid ping")
		return
	}
	if err := b.Send(protocol.Pong{ReceivedAt: protocol.NowMillis(), Timestamp: p.Timestamp}); err != nil {
		b.log.Debug().Err(err).Msg("send pong")
	}
}

func (b *Bridge) onPong(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
	var p protocol.Pong
	if err := msg.Decode(&p); err != nil {
		return
	}
	now := time.Now()
	b.mu.Lock()
	b.lastPong = now
	b.mu.Unlock()
	if rtt := now.UnixMilli() - p.Timestamp; rtt >= 0 {
		metrics.ObserveHeartbeatRTT(time.Duration(rtt) * time.Millisecond)
	}
}

func (b *Bridge) sendReady(ack bool) {
	if err := b.Send(protocol.Ready{Version: b.opts.ProtocolVersion, Ack: ack}); err != nil {
		b.log.Debug().Err(err).Msg("send ready")
	}
}

func (b *Bridge) sendPing() {
	if err := b.Send(protocol.Ping{Timestamp: protocol.NowMillis()}); err != nil {
		b.log.Debug().Err(err).Msg("send ping")
	}
}

func (b *Bridge) settleReady(err error) {
	b.readyOnce.Do(func() {
		b.readyErr = err
		close(b.readyCh)
	})
}

func (b *Bridge) stopRetry() {
	if b.retry != nil {
		b.retry.Stop()
		b.retry = nil
	}
}

func (b *Bridge) stopTimers() {
	b.stopRetry()
	if b.deadline != nil {
		b.deadline.Stop()
		b.deadline = nil
	}
	if b.ping != nil {
		b.ping.Stop()
		b.ping = nil
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
