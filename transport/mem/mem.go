// Package mem provides a linked pair of in-process transport endpoints,
// the stand-in for two frames exchanging postMessage calls.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/framjet-bridge/transport"
)

// DefaultQueueSize bounds the number of undelivered payloads per endpoint.
const DefaultQueueSize = 1024

// Endpoint is one side of a Pipe. Payloads sent on one endpoint are
// delivered asynchronously, in order, to the subscribers of its peer.
type Endpoint struct {
	origin string
	peer   *Endpoint
	subs   transport.Subscribers

	queue     chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// Pipe returns two endpoints linked to each other. originA and originB are
// the origins each side reports to the other.
func Pipe(originA, originB string) (*Endpoint, *Endpoint) {
	a := newEndpoint(originA, DefaultQueueSize)
	b := newEndpoint(originB, DefaultQueueSize)
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func newEndpoint(origin string, size int) *Endpoint {
	return &Endpoint{origin: origin, queue: make(chan transport.Event, size), done: make(chan struct{})}
}

// Origin returns the origin of this endpoint.
func (e *Endpoint) Origin() string { return e.origin }

// Send implements transport.Transport. Payloads whose target origin does
// not match the peer are silently discarded, as are payloads sent while the
// peer queue is full or closed.
func (e *Endpoint) Send(data []byte, targetOrigin string) {
	if !transport.OriginAllowed(targetOrigin, e.peer.origin) {
		return
	}
	e.peer.enqueue(transport.Event{Data: append([]byte(nil), data...), Origin: e.origin})
}

// Subscribe implements transport.Transport.
func (e *Endpoint) Subscribe(fn func(transport.Event)) func() { return e.subs.Add(fn) }

// Inject delivers a payload to this endpoint's subscribers as if it came
// from origin. It lets tests simulate unrelated senders.
func (e *Endpoint) Inject(data []byte, origin string) {
	e.enqueue(transport.Event{Data: append([]byte(nil), data...), Origin: origin})
}

// Dropped reports how many inbound payloads were discarded.
func (e *Endpoint) Dropped() int64 { return e.dropped.Load() }

// Close stops delivery to this endpoint. Further payloads are discarded.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Endpoint) enqueue(ev transport.Event) {
	select {
	case <-e.done:
		e.dropped.Add(1)
		return
	default:
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case ev := <-e.queue:
			e.subs.Publish(ev)
		case <-e.done:
			return
		}
	}
}
