package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(_ context.Context) (int, error) { return 0, errors.New("upstream down") }
func passing(_ context.Context) (int, error) { return 1, nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "search", FailureThreshold: 2, ResetTimeout: time.Minute})

	for range 2 {
		if _, err := ExecuteVal(context.Background(), cb, failing); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	calls := 0
	_, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) (int, error) {
		calls++
		return passing(ctx)
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("fn should not run while open")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	_, _ = ExecuteVal(context.Background(), cb, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(2 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	// Failed probe reopens.
	_, _ = ExecuteVal(context.Background(), cb, failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected reopen, got %s", cb.State())
	}

	now = now.Add(2 * time.Second)
	if _, err := ExecuteVal(context.Background(), cb, passing); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})

	_, _ = ExecuteVal(context.Background(), cb, failing)
	_, _ = ExecuteVal(context.Background(), cb, passing)
	_, _ = ExecuteVal(context.Background(), cb, failing)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d: got %q want %q", s, s.String(), want)
		}
	}
}
