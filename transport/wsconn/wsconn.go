// Package wsconn carries bridge packets over a websocket connection.
//
// A Conn is a transport.Transport: every text frame read from the socket is
// published to subscribers, and Send queues a frame for the write loop.
// Sends are fire-and-forget and dropped when the queue is full or the
// connection is gone.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/framjet-bridge/internal/logx"
	"github.com/gaspardpetit/framjet-bridge/transport"
)

const (
	DefaultQueueSize    = 256
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
)

// Options tunes a Conn.
type Options struct {
	QueueSize    int
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	// RemoteOrigin overrides the origin attached to inbound events.
	RemoteOrigin string
	// OriginPatterns lists cross-origin hosts allowed by Accept.
	OriginPatterns []string
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
}

// Conn is a websocket backed transport.
type Conn struct {
	conn   *websocket.Conn
	origin string
	opts   Options
	log    zerolog.Logger

	subs    transport.Subscribers
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	err     atomic.Value
	dropped atomic.Int64
}

// Dial connects to a websocket endpoint. Inbound events carry the origin of
// rawURL unless Options.RemoteOrigin is set.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	origin := opts.RemoteOrigin
	if origin == "" {
		origin = OriginOf(rawURL)
	}
	return newConn(c, origin, opts), nil
}

// Accept upgrades an HTTP request. Inbound events carry the request's Origin
// header, or "null" when it has none.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		return nil, err
	}
	origin := opts.RemoteOrigin
	if origin == "" {
		origin = r.Header.Get("Origin")
	}
	if origin == "" {
		origin = "null"
	}
	return newConn(c, origin, opts), nil
}

func newConn(c *websocket.Conn, origin string, opts Options) *Conn {
	opts.setDefaults()
	c.SetReadLimit(opts.ReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	wc := &Conn{
		conn:   c,
		origin: origin,
		opts:   opts,
		log:    logx.Component("wsconn").With().Str("remote_origin", origin).Logger(),
		send:   make(chan []byte, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go wc.readLoop()
	go wc.writeLoop()
	go wc.pingLoop()
	return wc
}

// OriginOf maps a ws or http URL to its origin, scheme://host.
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "null"
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// RemoteOrigin is the origin attached to inbound events.
func (c *Conn) RemoteOrigin() string { return c.origin }

// Send queues data unless targetOrigin excludes the remote end.
func (c *Conn) Send(data []byte, targetOrigin string) {
	if !transport.OriginAllowed(targetOrigin, c.origin) {
		c.drop("target origin mismatch")
		return
	}
	select {
	case <-c.ctx.Done():
		c.drop("closed")
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.drop("queue full")
	}
}

// Subscribe registers fn for inbound frames.
func (c *Conn) Subscribe(fn func(transport.Event)) func() { return c.subs.Add(fn) }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Dropped counts frames discarded by Send.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Close shuts the connection with a normal closure.
func (c *Conn) Close() error {
	c.closeWith(errors.New("closed locally"))
	return nil
}

func (c *Conn) closeWith(err error) {
	c.once.Do(func() {
		c.err.Store(err)
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
		c.log.Debug().Err(err).Msg("websocket closed")
	})
}

func (c *Conn) drop(reason string) {
	c.dropped.Add(1)
	c.log.Debug().Str("reason", reason).Msg("frame dropped")
}

func (c *Conn) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = errors.New("closed by peer")
			}
			c.closeWith(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.subs.Publish(transport.Event{Data: data, Origin: c.origin})
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.closeWith(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.closeWith(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
