package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	attempts, err := NewRetryPolicy(3, 0).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryIsBounded(t *testing.T) {
	var retried []int
	attempts, err := NewRetryPolicy(2, 0).Do(context.Background(), func(context.Context) error {
		return errors.New("down")
	}, func(attempt int, err error) {
		retried = append(retried, attempt)
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry callbacks %v", retried)
	}
}

func TestRetryPermanentErrorStops(t *testing.T) {
	attempts, err := NewRetryPolicy(5, 0).Do(context.Background(), func(context.Context) error {
		return Permanent(errors.New("unauthorized"))
	}, nil)
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewRetryPolicy(10, time.Second).Do(ctx, func(context.Context) error {
		return errors.New("down")
	}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("retry did not stop on cancel")
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(errors.New("not a rate limit"))
	cb.OnError(RateLimitError{Provider: "gladia"})
	if !cb.Allow() {
		t.Fatalf("breaker should still allow after one rate limit")
	}
	cb.OnError(RateLimitError{Provider: "gladia"})
	if cb.Allow() {
		t.Fatalf("breaker should be open")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("breaker should close on success")
	}
}

func TestCircuitBreakerHonoursRetryAfter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }

	cb.OnError(fmt.Errorf("dial: %w", RateLimitError{Provider: "gladia", RetryAfter: time.Minute}))
	if got := cb.RetryIn(); got != time.Minute {
		t.Fatalf("expected retry in 1m, got %s", got)
	}
	now = now.Add(59 * time.Second)
	if cb.Allow() {
		t.Fatalf("breaker should still be open")
	}
	now = now.Add(2 * time.Second)
	if !cb.Allow() || cb.RetryIn() != 0 {
		t.Fatalf("breaker should be closed after retry-after elapsed")
	}
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := RateLimitError{Provider: "gladia", Message: "429 Too Many Requests", RetryAfter: 5 * time.Second}
	if got := err.Error(); got != "gladia: 429 Too Many Requests (retry after 5s)" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (RateLimitError{}).Error(); got != "rate limited" {
		t.Fatalf("unexpected default message %q", got)
	}
}
