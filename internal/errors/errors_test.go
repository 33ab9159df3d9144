package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestEventErrorIs(t *testing.T) {
	cases := []struct {
		kind   Kind
		target error
	}{
		{KindSignatureInvalid, ErrSignatureInvalid},
		{KindMalformedPayload, ErrMalformedPayload},
		{KindMissingCorrelation, ErrMissingCorrelation},
		{KindNotFound, ErrNotFound},
		{KindAlreadyProcessed, ErrAlreadyProcessed},
		{KindUpstreamTransient, ErrUpstreamTransient},
		{KindSideEffectFailure, ErrSideEffectFailure},
	}

	for _, tc := range cases {
		err := New(tc.kind, "op", "ref_1", fmt.Errorf("boom"))
		if !errors.Is(err, tc.target) {
			t.Errorf("kind %s: errors.Is(%v) = false, want true", tc.kind, tc.target)
		}
	}
}

func TestEventErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Upstream("fetch_subscription", "sub_123", cause, 0)

	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be visible through errors.Is")
	}
	if !errors.Is(err, ErrUpstreamTransient) {
		t.Error("expected upstream kind sentinel to match")
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryable(Upstream("op", "ref", errors.New("timeout"), 503)) {
		t.Error("5xx upstream error should be retryable")
	}
	if IsRetryable(Upstream("op", "ref", errors.New("bad request"), 400)) {
		t.Error("4xx upstream error should not be retryable")
	}
	if IsRetryable(MissingCorrelation("op", "ref")) {
		t.Error("missing correlation should not be retryable")
	}
}

func TestIsRejectable(t *testing.T) {
	if !IsRejectable(New(KindSignatureInvalid, "verify", "", ErrSignatureInvalid)) {
		t.Error("signature errors must reject")
	}
	if !IsRejectable(Malformed("parse", errors.New("unexpected end of JSON"))) {
		t.Error("malformed payload must reject")
	}
	if IsRejectable(AlreadyProcessed("checkout_completed", "cs_1")) {
		t.Error("idempotency short-circuit must not reject")
	}
	if IsRejectable(SideEffect("enqueue_email", "cs_1", errors.New("queue full"))) {
		t.Error("side effect failures must be absorbed")
	}
}

func TestErrorString(t *testing.T) {
	err := New(KindNotFound, "load_offering", "prod_9", errors.New("no rows"))
	want := "load_offering failed for prod_9: no rows"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = New(KindMalformedPayload, "parse_event", "", errors.New("bad json"))
	want = "parse_event failed: bad json"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindSideEffectFailure {
		t.Errorf("KindOf(plain error) = %s, want %s", got, KindSideEffectFailure)
	}
	if got := KindOf(AlreadyProcessed("op", "ref")); got != KindAlreadyProcessed {
		t.Errorf("KindOf = %s, want %s", got, KindAlreadyProcessed)
	}
}
