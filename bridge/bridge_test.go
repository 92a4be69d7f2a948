package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gaspardpetit/framjet-bridge/metrics"
	"github.com/gaspardpetit/framjet-bridge/protocol"
	"github.com/gaspardpetit/framjet-bridge/transport"
	"github.com/gaspardpetit/framjet-bridge/transport/mem"
)

const (
	originA = "https://host.example"
	originB = "https://frame.example"
)

func fastOptions() Options {
	return Options{
		InitializeTimeout:  2 * time.Second,
		ReadyRetryInterval: 20 * time.Millisecond,
		PingInterval:       time.Hour,
	}
}

func waitReady(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.WaitReady(ctx); err != nil {
		t.Fatalf("bridge %s not ready: %v", b.SenderID(), err)
	}
}

func readyPair(t *testing.T) (*Bridge, *Bridge, *mem.Endpoint, *mem.Endpoint) {
	t.Helper()
	ea, eb := mem.Pipe(originA, originB)
	a := New("chan", ea, fastOptions())
	b := New("chan", eb, fastOptions())
	t.Cleanup(func() {
		a.Destroy()
		b.Destroy()
		ea.Close()
		eb.Close()
	})
	waitReady(t, a)
	waitReady(t, b)
	return a, b, ea, eb
}

func packet(t *testing.T, bridgeID, sender string, p protocol.Payload) []byte {
	t.Helper()
	msg, err := protocol.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data, err := protocol.Serialize(protocol.NewEnvelope(bridgeID, sender, msg))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return data
}

type custom struct {
	N int `json:"n"`
}

func (custom) MessageType() string { return "custom" }

func TestHandshakeRegardlessOfOrder(t *testing.T) {
	for _, delay := range []time.Duration{0, 150 * time.Millisecond} {
		ea, eb := mem.Pipe(originA, originB)
		first := New("chan", ea, fastOptions())
		time.Sleep(delay)
		second := New("chan", eb, fastOptions())
		waitReady(t, first)
		waitReady(t, second)
		if first.State() != Ready || second.State() != Ready {
			t.Fatalf("states: %s %s", first.State(), second.State())
		}
		first.Destroy()
		second.Destroy()
		ea.Close()
		eb.Close()
	}
}

func TestCreateWaitsForPeer(t *testing.T) {
	ea, eb := mem.Pipe(originA, originB)
	defer ea.Close()
	defer eb.Close()
	peer := New("chan", eb, fastOptions())
	defer peer.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, err := Create(ctx, "chan", ea, fastOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer b.Destroy()
	if b.State() != Ready {
		t.Fatalf("state = %s", b.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ea, eb := mem.Pipe(originA, originB)
	defer ea.Close()
	defer eb.Close()
	opts := fastOptions()
	opts.InitializeTimeout = 50 * time.Millisecond
	start := time.Now()
	b := New("chan", ea, opts)
	defer b.Destroy()

	err := b.WaitReady(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("timed out too early")
	}
	if b.State() != Initializing || !b.HandshakeFailed() {
		t.Fatalf("state = %s failed = %v", b.State(), b.HandshakeFailed())
	}
	if err := b.Send(custom{N: 1}); err != nil {
		t.Fatalf("send after handshake timeout: %v", err)
	}

	// a late peer does not make the bridge ready
	peer := New("chan", eb, fastOptions())
	defer peer.Destroy()
	time.Sleep(100 * time.Millisecond)
	if b.State() != Initializing {
		t.Fatalf("state after late peer = %s", b.State())
	}
}

func TestCreateFailsAndDestroys(t *testing.T) {
	ea, eb := mem.Pipe(originA, originB)
	defer ea.Close()
	defer eb.Close()
	opts := fastOptions()
	opts.InitializeTimeout = 30 * time.Millisecond
	var destroyed atomic.Int32
	opts.OnDestroy = func(*Bridge) { destroyed.Add(1) }
	if _, err := Create(context.Background(), "chan", ea, opts); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if destroyed.Load() != 1 {
		t.Fatalf("OnDestroy calls = %d", destroyed.Load())
	}
}

func TestRepeatedReadyIsIgnored(t *testing.T) {
	ea, eb := mem.Pipe(originA, originB)
	defer ea.Close()
	defer eb.Close()
	var readyCalls atomic.Int32
	opts := fastOptions()
	opts.OnReady = func(*Bridge) { readyCalls.Add(1) }
	a := New("chan", ea, opts)
	defer a.Destroy()
	b := New("chan", eb, fastOptions())
	defer b.Destroy()
	waitReady(t, a)
	waitReady(t, b)

	seen := make(chan struct{}, 1)
	a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) { seen <- struct{}{} })
	for i := 0; i < 5; i++ {
		ea.Inject(packet(t, "chan", "other", protocol.Ready{}), originB)
		ea.Inject(packet(t, "chan", "other", protocol.Ready{Ack: true}), originB)
	}
	ea.Inject(packet(t, "chan", "other", custom{N: 1}), originB)
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatalf("custom message not dispatched")
	}
	if a.State() != Ready {
		t.Fatalf("state = %s", a.State())
	}
	if readyCalls.Load() != 1 {
		t.Fatalf("OnReady calls = %d", readyCalls.Load())
	}
	if n := a.HandlerCount(protocol.TypeReady); n != 1 {
		t.Fatalf("ready handlers = %d", n)
	}
}

func TestPingYieldsPong(t *testing.T) {
	a, _, _, _ := readyPair(t)
	pongs := make(chan protocol.Pong, 1)
	a.RegisterHandler(protocol.TypePong, func(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
		var p protocol.Pong
		if err := msg.Decode(&p); err == nil {
			pongs <- p
		}
	})
	ts := protocol.NowMillis()
	if err := a.Send(protocol.Ping{Timestamp: ts}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	select {
	case p := <-pongs:
		if p.Timestamp != ts {
			t.Fatalf("pong timestamp = %d, want %d", p.Timestamp, ts)
		}
		if p.ReceivedAt < ts {
			t.Fatalf("receivedAt %d before timestamp %d", p.ReceivedAt, ts)
		}
	case <-time.After(time.Second):
		t.Fatalf("no pong")
	}
	deadline := time.Now().Add(time.Second)
	for a.LastPong().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.LastPong().IsZero() {
		t.Fatalf("last pong not recorded")
	}
}

func TestHeartbeatProbesPeer(t *testing.T) {
	ea, eb := mem.Pipe(originA, originB)
	defer ea.Close()
	defer eb.Close()
	opts := fastOptions()
	opts.PingInterval = 20 * time.Millisecond
	a := New("chan", ea, opts)
	defer a.Destroy()
	b := New("chan", eb, fastOptions())
	defer b.Destroy()
	waitReady(t, a)

	deadline := time.Now().Add(2 * time.Second)
	for a.LastPong().IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.LastPong().IsZero() {
		t.Fatalf("heartbeat never answered")
	}
}

func TestDispatchFiltersForeignPackets(t *testing.T) {
	ea, _ := mem.Pipe(originA, originB)
	defer ea.Close()
	opts := fastOptions()
	opts.Origin = originB
	a := New("chan", ea, opts)
	defer a.Destroy()

	got := make(chan int, 8)
	a.RegisterHandler("custom", func(msg protocol.Message, _ protocol.Envelope, ev transport.Event) {
		var c custom
		_ = msg.Decode(&c)
		got <- c.N
	})
	ea.Inject(packet(t, "chan", "peer", custom{N: 1}), "https://evil.example")
	ea.Inject(packet(t, "other-chan", "peer", custom{N: 2}), originB)
	ea.Inject([]byte("not json"), originB)
	ea.Inject([]byte(`{"__framjet_bridge__":"framjet-bridge","bridgeId":"chan","message":{"n":3}}`), originB)
	ea.Inject(packet(t, "chan", a.SenderID(), custom{N: 4}), originB)
	ea.Inject(packet(t, "chan", "peer", custom{N: 5}), originB)

	select {
	case n := <-got:
		if n != 5 {
			t.Fatalf("unexpected dispatch of packet %d", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("valid packet not dispatched")
	}
	select {
	case n := <-got:
		t.Fatalf("unexpected extra dispatch %d", n)
	default:
	}
}

func TestHandlersRunInOrderDespitePanic(t *testing.T) {
	ea, _ := mem.Pipe(originA, originB)
	defer ea.Close()
	a := New("chan", ea, fastOptions())
	defer a.Destroy()

	order := make(chan int, 8)
	var self *Registration
	a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) { order <- 1 })
	self = a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) {
		self.Remove()
		order <- 2
	})
	a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) { panic("boom") })
	a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) { order <- 4 })

	ea.Inject(packet(t, "chan", "peer", custom{}), originB)
	for _, want := range []int{1, 2, 4} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("handler %d ran, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("handler %d did not run", want)
		}
	}
	if n := a.HandlerCount("custom"); n != 3 {
		t.Fatalf("handlers after self removal = %d", n)
	}
}

func TestRegistrationRemoveDropsEmptyType(t *testing.T) {
	ea, _ := mem.Pipe(originA, originB)
	defer ea.Close()
	a := New("chan", ea, fastOptions())
	defer a.Destroy()

	r1 := a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) {})
	r2 := a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) {})
	r1.Remove()
	r1.Remove()
	if n := a.HandlerCount("custom"); n != 1 {
		t.Fatalf("handlers = %d", n)
	}
	r2.Remove()
	for _, typ := range a.HandledTypes() {
		if typ == "custom" {
			t.Fatalf("empty handler set kept for custom")
		}
	}
}

func TestDestroyStopsDispatch(t *testing.T) {
	ea, eb := mem.Pipe(originA, originB)
	defer ea.Close()
	defer eb.Close()
	var destroyed atomic.Int32
	opts := fastOptions()
	opts.OnDestroy = func(*Bridge) { destroyed.Add(1) }
	a := New("chan", ea, opts)
	b := New("chan", eb, fastOptions())
	defer b.Destroy()
	waitReady(t, a)

	var calls atomic.Int32
	a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) { calls.Add(1) })
	a.Destroy()
	a.Destroy()
	if a.State() != Destroyed {
		t.Fatalf("state = %s", a.State())
	}
	if destroyed.Load() != 1 {
		t.Fatalf("OnDestroy calls = %d", destroyed.Load())
	}
	ea.Inject(packet(t, "chan", "peer", custom{N: 1}), originB)
	_ = b.Send(custom{N: 2})
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("handler ran after destroy")
	}
	if err := a.Send(custom{}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestDestroyBeforeReadySettlesReadiness(t *testing.T) {
	ea, _ := mem.Pipe(originA, originB)
	defer ea.Close()
	a := New("chan", ea, fastOptions())
	a.Destroy()
	if err := a.WaitReady(context.Background()); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestUnhandledTypesShareMetricSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	count := func() int {
		n, err := testutil.GatherAndCount(reg, "framjet_bridge_messages_total")
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		return n
	}

	ea, _ := mem.Pipe(originA, originB)
	defer ea.Close()
	a := New("chan", ea, fastOptions())
	defer a.Destroy()
	got := make(chan struct{}, 1)
	a.RegisterHandler("custom", func(protocol.Message, protocol.Envelope, transport.Event) { got <- struct{}{} })

	ea.Inject(packet(t, "chan", "peer", custom{}), originB)
	<-got
	before := count()
	for i := 0; i < 50; i++ {
		msg, err := protocol.NewMessage(fmt.Sprintf("junk-%d", i), nil)
		if err != nil {
			t.Fatalf("message: %v", err)
		}
		data, err := protocol.Serialize(protocol.NewEnvelope("chan", "peer", msg))
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		ea.Inject(data, originB)
	}
	ea.Inject(packet(t, "chan", "peer", custom{}), originB)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("custom packet not dispatched")
	}
	if after := count(); after > before+1 {
		t.Fatalf("series grew from %d to %d", before, after)
	}
}
