package rpc

import (
	"encoding/json"
	"sync"
)

// Resolve settles a command with its output. Output is JSON encoded; a
// json.RawMessage is sent as is. Passing an Awaitable defers the response
// until it completes.
type Resolve func(output any)

// Reject settles a command with a failure. Errors are marshalled with
// MarshalError; any other reason is JSON encoded unchanged.
type Reject func(reason any)

// Handler serves one inbound command. It runs on the bridge loop and must
// call resolve or reject exactly once, possibly later from another
// goroutine. Only the first settlement is sent.
type Handler func(input json.RawMessage, resolve Resolve, reject Reject)

// Awaitable is an output that completes later.
type Awaitable interface {
	Await() (any, error)
}

type asyncResult struct {
	fn   func() (any, error)
	once sync.Once
	out  any
	err  error
}

func (a *asyncResult) Await() (any, error) {
	a.once.Do(func() { a.out, a.err = a.fn() })
	return a.out, a.err
}

// Async wraps fn so it can be passed to Resolve. fn runs on its own
// goroutine, and its result or error becomes the response.
func Async(fn func() (any, error)) Awaitable {
	return &asyncResult{fn: fn}
}

// Registration removes a registered command.
type Registration struct {
	once   sync.Once
	remove func()
}

// Remove unregisters the command. It is safe to call more than once.
func (r *Registration) Remove() {
	if r == nil {
		return
	}
	r.once.Do(r.remove)
}

type command struct {
	name    string
	handler Handler
}
