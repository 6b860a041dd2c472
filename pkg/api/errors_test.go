package api

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("call: %w", (&Error{Kind: KindTimedOut, Msg: "after 50ms"}).WithCall("spin", 7))
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected errors.Is to match TimedOut: %v", err)
	}
	if errors.Is(err, ErrCancelled) {
		t.Fatalf("unexpected match with Cancelled")
	}
	if got := KindOf(err); got != KindTimedOut {
		t.Fatalf("KindOf = %q", got)
	}
	if got := err.Error(); got != "call: TimedOut [spin] #7: after 50ms" {
		t.Fatalf("message = %q", got)
	}
}

func TestHealthClassification(t *testing.T) {
	cases := map[Kind]bool{
		KindTimedOut:         true,
		KindCrashed:          true,
		KindCancelled:        false,
		KindTerminated:       false,
		KindFunctionNotFound: false,
		KindOperation:        false,
		KindSerialization:    false,
	}
	for k, want := range cases {
		if got := IsHealthFailure(&Error{Kind: k}); got != want {
			t.Fatalf("IsHealthFailure(%s) = %v, want %v", k, got, want)
		}
	}
	if IsHealthFailure(errors.New("plain")) {
		t.Fatalf("plain errors are not health failures")
	}
	if KindOf(nil) != "" || OutcomeOf(nil) != OutcomeOK {
		t.Fatalf("nil error classification")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Wrap(KindCrashed, cause, "send invoke")
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable")
	}
	if err.Error() != "Crashed: send invoke: broken pipe" {
		t.Fatalf("message = %q", err.Error())
	}
}
