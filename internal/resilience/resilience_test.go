package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 10, 0.5, 50*time.Millisecond, 1)
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("expected breaker to stay closed/allow during warmup at i=%d", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected breaker to be open after sustained failures")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 2, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatalf("expected open immediately after failures")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed after cool-down")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed again after successful probe")
	}
}

func TestRateLimiterTokenBucket(t *testing.T) {
	rl := NewRateLimiter(2, 1, time.Minute, 0)
	if !rl.Allow() || !rl.Allow() {
		t.Fatalf("expected first two calls to be allowed by initial capacity")
	}
	if rl.Allow() {
		t.Fatalf("expected third immediate call to be denied")
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Minute, 1)
	if !rl.Allow() {
		t.Fatalf("expected first call within window cap to be allowed")
	}
	if rl.Allow() {
		t.Fatalf("expected second call to be denied by window cap")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), 5, time.Millisecond, func(error) bool { return true }, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("unexpected attempts=%d result=%q", attempts, result)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 5, time.Millisecond, func(error) bool { return false }, func() (string, error) {
		attempts++
		return "", errors.New("permanent")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt before giving up, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func() (string, error) {
		attempts++
		return "", errors.New("always fails")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
