package errkind

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		kind      Kind
		retryable bool
		fallsBack bool
	}{
		{name: "transient retries", kind: TransientNetwork, retryable: true},
		{name: "too large falls back", kind: TooLarge, fallsBack: true},
		{name: "expired ref falls back", kind: ReferenceExpired, fallsBack: true},
		{name: "permission is terminal", kind: PermissionDenied},
		{name: "unknown is terminal", kind: KindUnknown},
		{name: "past time is terminal", kind: PastTime},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.retryable {
				t.Fatalf("Retryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.kind.FallsBack(); got != tt.fallsBack {
				t.Fatalf("FallsBack() = %v, want %v", got, tt.fallsBack)
			}
		})
	}
}

func TestOfUnwrapsNestedErrors(t *testing.T) {
	t.Parallel()
	inner := New(TooLarge, errors.New("50MB limit"))
	wrapped := fmt.Errorf("send failed: %w", inner)

	if got := Of(wrapped); got != TooLarge {
		t.Fatalf("Of() = %v, want TooLarge", got)
	}
	if !Is(wrapped, TooLarge) {
		t.Fatal("Is(wrapped, TooLarge) = false")
	}
	if Is(wrapped, TransientNetwork) {
		t.Fatal("Is(wrapped, TransientNetwork) = true")
	}
}

func TestOfUnclassified(t *testing.T) {
	t.Parallel()
	if got := Of(errors.New("plain")); got != KindUnknown {
		t.Fatalf("Of(plain) = %v, want KindUnknown", got)
	}
	if got := Of(nil); got != KindUnknown {
		t.Fatalf("Of(nil) = %v, want KindUnknown", got)
	}
}

func TestRetryAfterCarriesDelayAndKind(t *testing.T) {
	t.Parallel()
	base := Newf(TransientNetwork, "flood control")
	err := RetryAfter(base, 3*time.Second)

	var ra RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatal("RetryAfterError not exposed")
	}
	if got := ra.RetryAfter(); got != 3*time.Second {
		t.Fatalf("RetryAfter() = %v, want 3s", got)
	}
	// The kind must survive the extra wrapping.
	if got := Of(err); got != TransientNetwork {
		t.Fatalf("Of() = %v, want TransientNetwork", got)
	}
}

func TestRetryAfterNilAndNegative(t *testing.T) {
	t.Parallel()
	if RetryAfter(nil, time.Second) != nil {
		t.Fatal("RetryAfter(nil) should be nil")
	}
	var ra RetryAfterError
	if !errors.As(RetryAfter(errors.New("x"), -time.Second), &ra) {
		t.Fatal("RetryAfterError not exposed")
	}
	if got := ra.RetryAfter(); got != 0 {
		t.Fatalf("negative delay clamped to %v, want 0", got)
	}
}
