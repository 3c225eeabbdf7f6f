package upload

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		name   string
		status int
	}{
		{KindBadRequest, "bad_request", http.StatusBadRequest},
		{KindConflict, "conflict", http.StatusBadRequest},
		{KindNotFound, "not_found", http.StatusNotFound},
		{KindRateLimited, "rate_limited", http.StatusTooManyRequests},
		{KindOverloaded, "overloaded", http.StatusTooManyRequests},
		{KindExhausted, "exhausted", http.StatusInsufficientStorage},
		{KindTimeout, "timeout", http.StatusGatewayTimeout},
		{KindIOFailure, "io_failure", http.StatusInternalServerError},
		{KindCancelled, "cancelled", http.StatusConflict},
		{KindUnknown, "unknown", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.kind.String(); got != tc.name {
				t.Errorf("String() = %q, want %q", got, tc.name)
			}
			if got := tc.kind.HTTPStatus(); got != tc.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tc.status)
			}
		})
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	base := newError(KindExhausted, "no space")
	wrapped := fmt.Errorf("write failed: %w", base)

	if KindOf(wrapped) != KindExhausted {
		t.Errorf("KindOf(wrapped) = %v, want exhausted", KindOf(wrapped))
	}
	if !IsKind(wrapped, KindExhausted) {
		t.Error("IsKind should see through fmt wrapping")
	}
	if KindOf(errors.New("foreign")) != KindUnknown {
		t.Error("foreign errors must map to KindUnknown")
	}
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("disk gone")
	err := wrapError(KindIOFailure, cause, "writing chunk %d", 3)

	if !errors.Is(err, cause) {
		t.Error("wrapped error must unwrap to its cause")
	}
	if KindOf(err) != KindIOFailure {
		t.Errorf("KindOf = %v, want io_failure", KindOf(err))
	}
}
