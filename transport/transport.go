// Package transport defines the postal channel a bridge runs on.
//
// A transport is fire-and-forget: Send gives no delivery confirmation, and
// subscribers may receive payloads from unrelated senders which the bridge
// filters out itself.
package transport

import "sync"

// Wildcard matches any origin.
const Wildcard = "*"

// Event is one inbound payload together with the origin of its sender.
type Event struct {
	Data   []byte
	Origin string
}

// Transport is the raw send/subscribe primitive beneath a bridge.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send delivers data on a best-effort basis to receivers whose origin
	// matches targetOrigin.
	Send(data []byte, targetOrigin string)
	// Subscribe registers fn for every inbound payload. The returned func
	// removes the subscription; calling it more than once is a no-op.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// OriginAllowed reports whether origin passes the filter. An empty filter
// or the wildcard accepts everything.
func OriginAllowed(filter, origin string) bool {
	return filter == "" || filter == Wildcard || filter == origin
}

// Subscribers is a small fan-out list reused by the transport implementations.
type Subscribers struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(Event)
	keys []uint64
}

// Add registers fn and returns an idempotent remover.
func (s *Subscribers) Add(fn func(Event)) func() {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = map[uint64]func(Event){}
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.keys = append(s.keys, id)
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			for i, k := range s.keys {
				if k == id {
					s.keys = append(s.keys[:i], s.keys[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

// Len returns the number of active subscribers.
func (s *Subscribers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish delivers ev to every subscriber in registration order.
func (s *Subscribers) Publish(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.keys))
	for _, k := range s.keys {
		fns = append(fns, s.subs[k])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
