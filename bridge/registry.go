package bridge

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/gaspardpetit/framjet-bridge/protocol"
	"github.com/gaspardpetit/framjet-bridge/transport"
)

// Handler receives a dispatched message with its envelope and the raw
// transport event it arrived in.
type Handler func(msg protocol.Message, env protocol.Envelope, ev transport.Event)

// Registration is the handle returned when registering a handler.
type Registration struct {
	once   sync.Once
	remove func()
}

// Remove unregisters the handler. Calling it again is a no-op.
func (r *Registration) Remove() {
	if r == nil || r.remove == nil {
		return
	}
	r.once.Do(r.remove)
}

type handlerSet = orderedmap.OrderedMap[uint64, Handler]

// registry maps message types to insertion-ordered handler sets.
type registry struct {
	mu     sync.Mutex
	next   uint64
	byType *orderedmap.OrderedMap[string, *handlerSet]
}

func newRegistry() *registry {
	return &registry{byType: orderedmap.New[string, *handlerSet]()}
}

func (r *registry) add(typ string, h Handler) *Registration {
	r.mu.Lock()
	set, ok := r.byType.Get(typ)
	if !ok {
		set = orderedmap.New[uint64, Handler]()
		r.byType.Set(typ, set)
	}
	id := r.next
	r.next++
	set.Set(id, h)
	r.mu.Unlock()
	return &Registration{remove: func() { r.remove(typ, id) }}
}

func (r *registry) remove(typ string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byType.Get(typ)
	if !ok {
		return
	}
	set.Delete(id)
	if set.Len() == 0 {
		r.byType.Delete(typ)
	}
}

// snapshot copies the handlers for typ so dispatch is unaffected by
// handlers that register or unregister while running.
func (r *registry) snapshot(typ string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byType.Get(typ)
	if !ok {
		return nil
	}
	out := make([]Handler, 0, set.Len())
	for p := set.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

func (r *registry) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byType.Get(typ)
	if !ok {
		return 0
	}
	return set.Len()
}

func (r *registry) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.byType.Len())
	for p := r.byType.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}
