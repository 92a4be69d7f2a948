package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ErrorMarker tags a marshalled error record on the wire.
const ErrorMarker = "__framjet_bridge_error__"

// CommandNotFoundName is the error name reported for unknown commands.
const CommandNotFoundName = "CommandNotFoundError"

const maxCauseDepth = 32

var (
	// ErrTimeout is returned by Call when no response arrived in time.
	ErrTimeout = errors.New("rpc timeout")
	// ErrDuplicateCommand is returned when a command name is registered twice.
	ErrDuplicateCommand = errors.New("rpc command already registered")
)

// StructuredError is the generic error rebuilt from a marshalled remote
// error. The concrete type of the original error is not preserved.
type StructuredError struct {
	Name    string
	Message string
	Stack   string
	Cause   error
	Extra   map[string]json.RawMessage
}

func (e *StructuredError) Error() string { return e.Message }

func (e *StructuredError) Unwrap() error { return e.Cause }

// ErrorName returns the error name.
func (e *StructuredError) ErrorName() string { return e.Name }

// ErrorFields returns the custom properties carried by the error.
func (e *StructuredError) ErrorFields() map[string]any {
	out := make(map[string]any, len(e.Extra))
	for k, v := range e.Extra {
		out[k] = v
	}
	return out
}

// Field decodes the custom property key into v.
func (e *StructuredError) Field(key string, v any) error {
	raw, ok := e.Extra[key]
	if !ok {
		return fmt.Errorf("error field %q not present", key)
	}
	return json.Unmarshal(raw, v)
}

// OpaqueError carries a rejection reason that was not a marshalled error.
type OpaqueError struct {
	Value json.RawMessage
}

func (e *OpaqueError) Error() string {
	r := gjson.ParseBytes(e.Value)
	switch {
	case len(e.Value) == 0 || r.Type == gjson.Null:
		return "remote command failed"
	case r.Type == gjson.String:
		return r.Str
	default:
		return string(e.Value)
	}
}

// IsCommandNotFound reports whether err says the remote has no such command.
func IsCommandNotFound(err error) bool {
	var se *StructuredError
	return errors.As(err, &se) && se.Name == CommandNotFoundName
}

func commandNotFound(name string) error {
	return &StructuredError{Name: CommandNotFoundName, Message: fmt.Sprintf("Command with name %q doesn't exist", name)}
}

// MarshalError converts err into the wire record: the marker, name,
// message, stack, the cause chain and any custom fields.
//
// Errors may describe themselves through ErrorName() string and
// ErrorFields() map[string]any. Stacks are taken from errors created with
// github.com/pkg/errors.
func MarshalError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	b, mErr := json.Marshal(errorRecord(err, 0))
	if mErr != nil {
		b, _ = json.Marshal(map[string]any{ErrorMarker: true, "name": "Error", "message": err.Error()})
	}
	return b
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func errorRecord(err error, depth int) map[string]any {
	rec := map[string]any{}
	if f, ok := err.(interface{ ErrorFields() map[string]any }); ok {
		for k, v := range f.ErrorFields() {
			rec[k] = v
		}
	}
	rec[ErrorMarker] = true
	rec["name"] = errorName(err)
	rec["message"] = err.Error()
	if s := errorStack(err); s != "" {
		rec["stack"] = s
	}
	if cause := nextCause(err); cause != nil && depth < maxCauseDepth {
		rec["cause"] = errorRecord(cause, depth+1)
	} else {
		delete(rec, "cause")
	}
	return rec
}

func errorName(err error) string {
	if n, ok := err.(interface{ ErrorName() string }); ok && n.ErrorName() != "" {
		return n.ErrorName()
	}
	return "Error"
}

func errorStack(err error) string {
	switch e := err.(type) {
	case *StructuredError:
		return e.Stack
	case stackTracer:
		return strings.TrimSpace(fmt.Sprintf("%+v", e.StackTrace()))
	}
	return ""
}

// nextCause skips the github.com/pkg/errors layers (WithStack, and the
// message half of Wrap) that repeat their parent's message. Other errors
// stay in the chain even when their message matches.
func nextCause(err error) error {
	cause := errors.Unwrap(err)
	for cause != nil && isRepeatedWrapper(err, cause) {
		cause = errors.Unwrap(cause)
	}
	return cause
}

type causer interface {
	Cause() error
}

func isRepeatedWrapper(parent, link error) bool {
	if _, ok := link.(causer); !ok {
		return false
	}
	return link.Error() == parent.Error()
}

// UnmarshalError rebuilds an error from a wire record. Records carrying the
// marker become *StructuredError, anything else *OpaqueError.
func UnmarshalError(raw json.RawMessage) error {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() || !r.Get(ErrorMarker).Exists() {
		return &OpaqueError{Value: raw}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &OpaqueError{Value: raw}
	}
	delete(fields, ErrorMarker)
	se := &StructuredError{}
	takeString(fields, "name", &se.Name)
	takeString(fields, "message", &se.Message)
	takeString(fields, "stack", &se.Stack)
	if c, ok := fields["cause"]; ok {
		delete(fields, "cause")
		if cr := gjson.ParseBytes(c); cr.Exists() && cr.Type != gjson.Null {
			se.Cause = UnmarshalError(c)
		}
	}
	if len(fields) > 0 {
		se.Extra = fields
	}
	return se
}

func takeString(fields map[string]json.RawMessage, key string, dst *string) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	delete(fields, key)
	_ = json.Unmarshal(raw, dst)
}
