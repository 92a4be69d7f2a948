package rpc

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

func TestMarshalErrorRecord(t *testing.T) {
	raw := MarshalError(&quotaError{limit: 3})
	r := gjson.ParseBytes(raw)
	if !r.Get(ErrorMarker).Bool() {
		t.Fatalf("marker missing: %s", raw)
	}
	if r.Get("name").String() != "QuotaError" || r.Get("message").String() != "quota exceeded" {
		t.Fatalf("unexpected record: %s", raw)
	}
	if r.Get("limit").Int() != 3 {
		t.Fatalf("custom field missing: %s", raw)
	}
	if r.Get("cause").Exists() {
		t.Fatalf("unexpected cause: %s", raw)
	}
}

func TestMarshalErrorDefaultsName(t *testing.T) {
	raw := MarshalError(errors.New("plain"))
	if got := gjson.GetBytes(raw, "name").String(); got != "Error" {
		t.Fatalf("name = %q", got)
	}
	if MarshalError(nil) != nil {
		t.Fatalf("nil error should marshal to nil")
	}
}

func TestMarshalErrorCapturesStack(t *testing.T) {
	raw := MarshalError(pkgerrors.New("with stack"))
	stack := gjson.GetBytes(raw, "stack").String()
	if !strings.Contains(stack, "TestMarshalErrorCapturesStack") {
		t.Fatalf("stack missing caller: %q", stack)
	}
}

func TestMarshalErrorSkipsStackOnlyWrappers(t *testing.T) {
	err := pkgerrors.WithStack(pkgerrors.Wrap(errors.New("root"), "outer"))
	r := gjson.ParseBytes(MarshalError(err))
	if r.Get("message").String() != "outer: root" {
		t.Fatalf("message = %q", r.Get("message").String())
	}
	if got := r.Get("cause.message").String(); got != "root" {
		t.Fatalf("cause message = %q", got)
	}
	if r.Get("cause.cause").Exists() {
		t.Fatalf("root should have no cause")
	}
}

func TestUnmarshalErrorRoundTrip(t *testing.T) {
	orig := &quotaError{limit: 5, cause: &quotaError{limit: 1}}
	err := UnmarshalError(MarshalError(orig))
	var se *StructuredError
	if !errors.As(err, &se) {
		t.Fatalf("expected StructuredError, got %T", err)
	}
	if se.Name != "QuotaError" || se.Message != "quota exceeded" {
		t.Fatalf("unexpected %+v", se)
	}
	var inner *StructuredError
	if !errors.As(se.Cause, &inner) {
		t.Fatalf("cause lost: %v", se.Cause)
	}
	var limit int
	if err := inner.Field("limit", &limit); err != nil || limit != 1 {
		t.Fatalf("inner limit = %d (%v)", limit, err)
	}
	if _, ok := se.Extra[ErrorMarker]; ok {
		t.Fatalf("marker leaked into extra fields")
	}

	again := gjson.ParseBytes(MarshalError(se))
	if again.Get("name").String() != "QuotaError" || again.Get("limit").Int() != 5 || again.Get("cause.limit").Int() != 1 {
		t.Fatalf("re-marshal changed record: %s", again.Raw)
	}
}

type retryError struct {
	msg   string
	cause error
}

func (e *retryError) Error() string { return e.msg }
func (e *retryError) Unwrap() error { return e.cause }

func TestMarshalErrorKeepsRepeatedMessages(t *testing.T) {
	orig := &retryError{msg: "retry failed", cause: &retryError{msg: "retry failed", cause: errors.New("dial refused")}}
	raw := MarshalError(orig)
	r := gjson.ParseBytes(raw)
	if r.Get("cause.message").String() != "retry failed" || r.Get("cause.cause.message").String() != "dial refused" {
		t.Fatalf("chain collapsed: %s", raw)
	}

	var msgs []string
	for err := UnmarshalError(raw); err != nil; err = errors.Unwrap(err) {
		msgs = append(msgs, err.Error())
	}
	if got := strings.Join(msgs, " | "); got != "retry failed | retry failed | dial refused" {
		t.Fatalf("round trip chain = %q", got)
	}
}

func TestUnmarshalOpaque(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"nope"`, "nope"},
		{`{"code":1}`, `{"code":1}`},
		{`42`, "42"},
		{``, "remote command failed"},
		{`null`, "remote command failed"},
	}
	for _, c := range cases {
		err := UnmarshalError(json.RawMessage(c.raw))
		var oe *OpaqueError
		if !errors.As(err, &oe) {
			t.Fatalf("%s: expected OpaqueError, got %T", c.raw, err)
		}
		if err.Error() != c.want {
			t.Fatalf("%s: Error() = %q, want %q", c.raw, err.Error(), c.want)
		}
	}
}

func TestIsCommandNotFound(t *testing.T) {
	if !IsCommandNotFound(commandNotFound("x")) {
		t.Fatalf("direct error not detected")
	}
	wrapped := UnmarshalError(MarshalError(commandNotFound("x")))
	if !IsCommandNotFound(wrapped) {
		t.Fatalf("round-tripped error not detected")
	}
	if IsCommandNotFound(errors.New(`Command with name "x" doesn't exist`)) {
		t.Fatalf("plain error misdetected")
	}
}
