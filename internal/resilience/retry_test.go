package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoVal_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), DefaultRetryConfig(), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls", val, calls)
	}
}

func TestDoVal_SuccessAfterRetry(t *testing.T) {
	var calls, retries int
	cfg := fastRetry()
	cfg.OnRetry = func(int, error) { retries++ }

	val, err := DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("temporary"), 503)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 || calls != 3 || retries != 2 {
		t.Errorf("val=%d calls=%d retries=%d", val, calls, retries)
	}
}

func TestDoVal_ExhaustsRetries(t *testing.T) {
	var calls int
	_, err := DoVal(context.Background(), fastRetry(), func(_ context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("still down"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoVal_NonTransientStopsImmediately(t *testing.T) {
	var calls int
	_, err := DoVal(context.Background(), fastRetry(), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	_, err := DoVal(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(_ context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("temporary"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestBackoff_Capped(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 2 * time.Second}
	if d := backoff(10, cfg); d != 2*time.Second {
		t.Errorf("expected capped backoff, got %v", d)
	}
}
