package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestGridScout_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestGridScout_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestGridScout_Retry_Do_ExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	cause := errors.New("connection reset")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return cause
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
}

func TestGridScout_Retry_Do_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	cause := errors.New("invalid input")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return cause
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable error, got %d", attempts)
	}
	if err != cause {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestGridScout_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts before cancellation, got %d", attempts)
	}
}

func TestGridScout_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"net timeout", &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"EOF", errors.New("unexpected EOF"), true},
		{"rate limited", errors.New("rate limit exceeded"), true},
		{"http 503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"http 429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"http 404", &httpError{statusCode: http.StatusNotFound}, false},
		{"http 400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"plain failure", errors.New("invalid input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGridScout_Retry_BackoffFor_DoublesAndCaps(t *testing.T) {
	t.Parallel()
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second}

	tests := []struct {
		retries int
		min     time.Duration // pre-jitter * 0.5
		max     time.Duration // pre-jitter * 1.0
	}{
		{1, 500 * time.Millisecond, time.Second},
		{2, time.Second, 2 * time.Second},
		{3, 2 * time.Second, 4 * time.Second},
		{4, 2 * time.Second, 4 * time.Second}, // capped at MaxBackoff
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := backoffFor(cfg, tt.retries)
			if got < tt.min || got > tt.max {
				t.Errorf("backoffFor(retries=%d) = %v, want in [%v, %v]", tt.retries, got, tt.min, tt.max)
			}
		}
	}
}

func TestGridScout_Retry_BackoffFor_JitterVariance(t *testing.T) {
	t.Parallel()
	cfg := Config{BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}

	results := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		results[backoffFor(cfg, 2)] = true
	}
	if len(results) < 5 {
		t.Errorf("expected jitter variance, got %d unique values", len(results))
	}
}

// httpError implements StatusCode() the way HTTP client errors do.
type httpError struct {
	statusCode int
}

func (e *httpError) Error() string {
	return http.StatusText(e.statusCode)
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}
