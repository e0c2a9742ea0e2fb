package taxonomy

import (
	"errors"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"auth", NewAuthError("token expired"), Auth},
		{"permission", NewPermissionError("insufficient scope"), Permission},
		{"network", NewNetworkError("connection reset"), Network},
		{"logic", NewLogicError("bad handler input"), Logic},
		{"payment_required", NewPaymentRequiredError("quota exhausted"), PaymentRequired},
		{"internal", NewInternalError("store unavailable"), Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, tt.err.Kind)
			}
			if KindOf(tt.err) != tt.kind {
				t.Fatalf("KindOf mismatch: expected %s, got %s", tt.kind, KindOf(tt.err))
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewNetworkError("timeout")) {
		t.Fatal("network errors must be retryable")
	}
	if IsRetryable(NewLogicError("bad input")) {
		t.Fatal("logic errors must not be retryable")
	}
	if IsRetryable(NewPaymentRequiredError("quota")) {
		t.Fatal("payment_required errors must not be retryable (global pause, not per-workflow retry)")
	}
}

func TestErrorIsMatchesKindOnly(t *testing.T) {
	err := NewNetworkError("timeout").WithCode("ETIMEDOUT").WithResource("handler_run:abc")

	if !errors.Is(err, &Error{Kind: Network}) {
		t.Fatal("expected errors.Is to match on Kind")
	}
	if errors.Is(err, &Error{Kind: Logic}) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	wrapped := Wrap(Network, cause, "tool call failed")

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected Unwrap chain to reach the original cause")
	}
	if wrapped.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestWithDetailIsImmutable(t *testing.T) {
	base := NewLogicError("bad shape")
	withDetail := base.WithDetail("field", "email")

	if len(base.Details) != 0 {
		t.Fatal("expected base error's Details to remain untouched")
	}
	if withDetail.Details["field"] != "email" {
		t.Fatal("expected derived error to carry the new detail")
	}
}
