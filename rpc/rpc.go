// Package rpc layers request/response commands over a bridge.
//
// Each RPC registers handlers for cmd.req and cmd.res on its bridge. Calls
// are correlated by id in a pending table; every entry is settled exactly
// once by its response, its timeout or its context.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/gaspardpetit/framjet-bridge/bridge"
	"github.com/gaspardpetit/framjet-bridge/internal/logx"
	"github.com/gaspardpetit/framjet-bridge/metrics"
	"github.com/gaspardpetit/framjet-bridge/protocol"
	"github.com/gaspardpetit/framjet-bridge/transport"
)

// DefaultTimeout bounds a call when no timeout is given.
const DefaultTimeout = 3 * time.Second

// NopCommand is registered on every RPC and resolves with no output.
const NopCommand = "nop"

// IDGenerator returns correlation ids. They must be unique per RPC.
type IDGenerator func() string

// Option configures an RPC.
type Option func(*RPC)

// WithIDGenerator replaces the uuid based id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *RPC) {
		if g != nil {
			r.newID = g
		}
	}
}

// WithDefaultTimeout sets the timeout used by calls without WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RPC) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger overrides the shared logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *RPC) { r.log = l }
}

// RPC serves local commands to the peer and calls the peer's commands.
type RPC struct {
	bridge  *bridge.Bridge
	log     zerolog.Logger
	newID   IDGenerator
	timeout time.Duration

	cmdMu    sync.RWMutex
	commands *orderedmap.OrderedMap[string, *command]

	mu      sync.Mutex
	pending map[string]*pendingCall

	regs []*bridge.Registration
}

type callResult struct {
	output   json.RawMessage
	err      error
	outcome  string
	answered bool // remote confirmed it has the command
}

type pendingCall struct {
	name    string
	started time.Time
	timer   *time.Timer
	done    chan callResult
}

// New attaches an RPC layer to b and registers the nop command.
func New(b *bridge.Bridge, opts ...Option) *RPC {
	r := &RPC{
		bridge:   b,
		log:      logx.Component("rpc").With().Str("bridge_id", b.ID()).Logger(),
		newID:    uuid.NewString,
		timeout:  DefaultTimeout,
		commands: orderedmap.New[string, *command](),
		pending:  make(map[string]*pendingCall),
	}
	for _, o := range opts {
		o(r)
	}
	r.regs = append(r.regs,
		b.RegisterHandler(protocol.TypeCommandRequest, r.onRequest),
		b.RegisterHandler(protocol.TypeCommandResponse, r.onResponse),
	)
	r.MustRegister(NopCommand, func(_ json.RawMessage, resolve Resolve, _ Reject) { resolve(nil) })
	return r
}

// Bridge returns the underlying bridge.
func (r *RPC) Bridge() *bridge.Bridge { return r.bridge }

// Register adds a command. A name can be registered only once until its
// Registration is removed.
func (r *RPC) Register(name string, h Handler) (*Registration, error) {
	if name == "" {
		return nil, fmt.Errorf("rpc: empty command name")
	}
	if h == nil {
		return nil, fmt.Errorf("rpc: nil handler for %q", name)
	}
	cmd := &command{name: name, handler: h}
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()
	if _, exists := r.commands.Get(name); exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateCommand, name)
	}
	r.commands.Set(name, cmd)
	return &Registration{remove: func() {
		r.cmdMu.Lock()
		defer r.cmdMu.Unlock()
		if cur, ok := r.commands.Get(name); ok && cur == cmd {
			r.commands.Delete(name)
		}
	}}, nil
}

// MustRegister is like Register but panics on error.
func (r *RPC) MustRegister(name string, h Handler) *Registration {
	reg, err := r.Register(name, h)
	if err != nil {
		panic(err)
	}
	return reg
}

// Commands lists registered command names in registration order.
func (r *RPC) Commands() []string {
	r.cmdMu.RLock()
	defer r.cmdMu.RUnlock()
	out := make([]string, 0, r.commands.Len())
	for pair := r.commands.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (r *RPC) lookup(name string) *command {
	r.cmdMu.RLock()
	defer r.cmdMu.RUnlock()
	cmd, _ := r.commands.Get(name)
	return cmd
}

// Close detaches the RPC from its bridge and fails every pending call.
// The cmd.req and cmd.res handlers installed by New are removed, so requests
// arriving afterwards go unanswered and the caller times out. Destroying the
// bridge alone leaves the handlers in place.
func (r *RPC) Close() {
	for _, reg := range r.regs {
		reg.Remove()
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.finish(id, callResult{err: bridge.ErrDestroyed, outcome: "canceled"})
	}
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the timeout of one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Call runs the named command on the peer and returns its raw output.
//
// Remote failures come back as *StructuredError or *OpaqueError. The call
// fails with ErrTimeout when no response arrives in time, and with the
// context error when ctx ends first. Call must not be made from a handler
// of the same bridge, since the response is dispatched on that loop.
func (r *RPC) Call(ctx context.Context, name string, input any, opts ...CallOption) (json.RawMessage, error) {
	co := callOptions{timeout: r.timeout}
	for _, o := range opts {
		o(&co)
	}
	raw, err := encodeValue(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", name, err)
	}

	id := r.newID()
	p := &pendingCall{name: name, started: time.Now(), done: make(chan callResult, 1)}
	r.mu.Lock()
	if _, dup := r.pending[id]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("rpc: correlation id %q already pending", id)
	}
	r.pending[id] = p
	p.timer = time.AfterFunc(co.timeout, func() {
		r.finish(id, callResult{
			err:     fmt.Errorf("%w: command %q got no response within %s", ErrTimeout, name, co.timeout),
			outcome: "timeout",
		})
	})
	r.mu.Unlock()

	r.log.Debug().Str("id", id).Str("command", name).Msg("call")
	if err := r.bridge.Send(protocol.CommandRequest{ID: id, Name: name, Input: raw}); err != nil {
		r.finish(id, callResult{err: err, outcome: "error"})
	}

	select {
	case res := <-p.done:
		return res.output, res.err
	case <-ctx.Done():
		r.finish(id, callResult{err: ctx.Err(), outcome: "canceled"})
		res := <-p.done
		return res.output, res.err
	}
}

// Invoke calls the named command and decodes its output into T.
func Invoke[T any](ctx context.Context, r *RPC, name string, input any, opts ...CallOption) (T, error) {
	var out T
	raw, err := r.Call(ctx, name, input, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s output: %w", name, err)
	}
	return out, nil
}

// Pending lists the ids of calls awaiting a response.
func (r *RPC) Pending() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// HasPending reports whether id is awaiting a response.
func (r *RPC) HasPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// finish settles the pending call id. Only the first caller wins.
func (r *RPC) finish(id string, res callResult) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		p.timer.Stop()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	label := metrics.UnknownCommand
	if res.answered {
		label = p.name
	}
	metrics.RecordCall(label, res.outcome, time.Since(p.started))
	p.done <- res
	return true
}

func (r *RPC) onResponse(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
	var res protocol.CommandResponse
	if err := msg.Decode(&res); err != nil {
		r.log.Debug().Err(err).Msg("malformed command response")
		return
	}
	result := callResult{output: res.Output, outcome: "success", answered: true}
	if !res.Success {
		err := UnmarshalError(res.Error)
		result = callResult{err: err, outcome: "error", answered: !IsCommandNotFound(err)}
	}
	if !r.finish(res.ID, result) {
		r.log.Warn().Str("id", res.ID).Str("command", res.Name).Msg("response for unknown call")
		metrics.RecordUnknownResponse()
	}
}

func (r *RPC) onRequest(msg protocol.Message, _ protocol.Envelope, _ transport.Event) {
	var req protocol.CommandRequest
	if err := msg.Decode(&req); err != nil || req.ID == "" {
		r.log.Debug().Err(err).Msg("malformed command request")
		return
	}
	cmd := r.lookup(req.Name)
	if cmd == nil {
		r.log.Debug().Str("id", req.ID).Str("command", req.Name).Msg("command not found")
		r.respondFailure(req, commandNotFound(req.Name))
		return
	}
	r.serve(req, cmd.handler)
}

func (r *RPC) serve(req protocol.CommandRequest, h Handler) {
	var settled atomic.Bool
	claim := func() bool {
		if settled.CompareAndSwap(false, true) {
			return true
		}
		r.log.Warn().Str("id", req.ID).Str("command", req.Name).Msg("command settled more than once")
		return false
	}
	resolve := func(output any) {
		if !claim() {
			return
		}
		if a, ok := output.(Awaitable); ok {
			go func() {
				out, err := a.Await()
				if err != nil {
					r.respondFailure(req, err)
					return
				}
				r.respondSuccess(req, out)
			}()
			return
		}
		r.respondSuccess(req, output)
	}
	reject := func(reason any) {
		if claim() {
			r.respondFailure(req, reason)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("command", req.Name).Msg("command handler panicked")
			if settled.CompareAndSwap(false, true) {
				r.respondFailure(req, fmt.Errorf("command %q panicked: %v", req.Name, p))
			}
		}
	}()
	h(req.Input, resolve, reject)
}

func (r *RPC) respondSuccess(req protocol.CommandRequest, output any) {
	raw, err := encodeValue(output)
	if err != nil {
		r.respondFailure(req, fmt.Errorf("encode %s output: %w", req.Name, err))
		return
	}
	r.respond(protocol.CommandResponse{ID: req.ID, Name: req.Name, Success: true, Output: raw})
}

func (r *RPC) respondFailure(req protocol.CommandRequest, reason any) {
	var payload json.RawMessage
	switch v := reason.(type) {
	case nil:
	case error:
		payload = MarshalError(v)
	default:
		raw, err := encodeValue(v)
		if err != nil {
			raw = MarshalError(fmt.Errorf("unencodable rejection: %w", err))
		}
		payload = raw
	}
	r.respond(protocol.CommandResponse{ID: req.ID, Name: req.Name, Error: payload})
}

func (r *RPC) respond(res protocol.CommandResponse) {
	if err := r.bridge.Send(res); err != nil {
		r.log.Debug().Err(err).Str("id", res.ID).Msg("response not sent")
		return
	}
	label := res.Name
	if r.lookup(res.Name) == nil {
		label = metrics.UnknownCommand
	}
	metrics.RecordServed(label, res.Success)
}

func encodeValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	return json.Marshal(v)
}
