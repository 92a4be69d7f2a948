// Package redisbus carries bridge packets over Redis pub/sub.
//
// Every endpoint of a logical channel subscribes to <prefix>:<channel> and
// publishes frames tagged with its own origin and a random endpoint id.
// An endpoint ignores its own frames and frames whose target origin does
// not match it, which mirrors the target origin check of a browser window.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/framjet-bridge/internal/logx"
	"github.com/gaspardpetit/framjet-bridge/transport"
)

const (
	DefaultPrefix         = "framjet"
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 5 * time.Second
)

// Options configures a Bus.
type Options struct {
	// Channel names the logical channel, usually the bridge id.
	Channel string
	// Prefix namespaces Redis channels. Defaults to "framjet".
	Prefix string
	// Origin is attached to every published frame. Defaults to "redis".
	Origin         string
	QueueSize      int
	PublishTimeout time.Duration
}

type frame struct {
	Origin   string          `json:"origin"`
	Target   string          `json:"target"`
	Endpoint string          `json:"endpoint"`
	Data     json.RawMessage `json:"data"`
}

// Bus is a Redis pub/sub transport for one channel.
type Bus struct {
	client   redis.UniversalClient
	owned    bool
	pubsub   *redis.PubSub
	key      string
	endpoint string
	opts     Options
	log      zerolog.Logger

	subs    transport.Subscribers
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// Open connects to the Redis server at addr and subscribes to the channel.
// The client is closed with the Bus.
func Open(ctx context.Context, addr string, opts Options) (*Bus, error) {
	ro, err := ParseURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(ro)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b, err := New(ctx, c, opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// New subscribes to the channel using an existing client.
func New(ctx context.Context, c redis.UniversalClient, opts Options) (*Bus, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("redisbus: channel is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Origin == "" {
		opts.Origin = "redis"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	key := opts.Prefix + ":" + opts.Channel
	ps := c.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}
	bctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:   c,
		pubsub:   ps,
		key:      key,
		endpoint: uuid.NewString(),
		opts:     opts,
		send:     make(chan []byte, opts.QueueSize),
		ctx:      bctx,
		cancel:   cancel,
	}
	b.log = logx.Component("redisbus").With().Str("channel", key).Str("endpoint", b.endpoint).Logger()
	b.wg.Add(2)
	go b.readLoop()
	go b.writeLoop()
	return b, nil
}

// Key is the Redis channel the Bus uses.
func (b *Bus) Key() string { return b.key }

// Send publishes data for endpoints whose origin matches targetOrigin.
func (b *Bus) Send(data []byte, targetOrigin string) {
	if !json.Valid(data) {
		b.drop("invalid json")
		return
	}
	payload, err := json.Marshal(frame{Origin: b.opts.Origin, Target: targetOrigin, Endpoint: b.endpoint, Data: data})
	if err != nil {
		b.drop("encode")
		return
	}
	select {
	case <-b.ctx.Done():
		b.drop("closed")
		return
	default:
	}
	select {
	case b.send <- payload:
	default:
		b.drop("queue full")
	}
}

// Subscribe registers fn for frames from other endpoints.
func (b *Bus) Subscribe(fn func(transport.Event)) func() { return b.subs.Add(fn) }

// Dropped counts frames discarded on send or receive.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close unsubscribes and stops the loops. Owned clients are closed too.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.pubsub.Close()
		b.wg.Wait()
		if b.owned {
			if cerr := b.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (b *Bus) drop(reason string) {
	b.dropped.Add(1)
	b.log.Debug().Str("reason", reason).Msg("frame dropped")
}

func (b *Bus) readLoop() {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver(msg.Payload)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) deliver(payload string) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		b.drop("malformed frame")
		return
	}
	if f.Endpoint == b.endpoint {
		return
	}
	if !transport.OriginAllowed(f.Target, b.opts.Origin) {
		b.drop("target origin mismatch")
		return
	}
	b.subs.Publish(transport.Event{Data: f.Data, Origin: f.Origin})
}

func (b *Bus) writeLoop() {
	defer b.wg.Done()
	for {
		select {
		case payload := <-b.send:
			ctx, cancel := context.WithTimeout(b.ctx, b.opts.PublishTimeout)
			err := b.client.Publish(ctx, b.key, payload).Err()
			cancel()
			if err != nil {
				b.log.Warn().Err(err).Msg("publish failed")
			}
		case <-b.ctx.Done():
			return
		}
	}
}
