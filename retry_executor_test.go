package gatekeeper

import (
	"context"
	"testing"
	"time"
)

func TestClassifyBackendError(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		wantKind      ErrorKind
		wantRetry     bool
		wantRetryOnce bool
	}{
		{"timeout", &BackendError{Timeout: true}, KindTimeout, true, true},
		{"connection", &BackendError{Connection: true}, KindUpstreamError, true, false},
		{"rate_limit", &BackendError{Status: 429}, KindRateLimit, true, false},
		{"auth_401", &BackendError{Status: 401}, KindAuthError, false, false},
		{"auth_403", &BackendError{Status: 403}, KindAuthError, false, false},
		{"not_found", &BackendError{Status: 404}, KindNoAgentAvailable, false, false},
		{"upstream_5xx", &BackendError{Status: 502}, KindUpstreamError, true, false},
		{"validation_4xx", &BackendError{Status: 422}, KindInvalidInput, true, true},
		{"cancelled", context.Canceled, KindCancelled, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, retryable, retryOnce := classifyBackendError(c.err)
			if kind != c.wantKind {
				t.Errorf("kind = %v, want %v", kind, c.wantKind)
			}
			if retryable != c.wantRetry {
				t.Errorf("retryable = %v, want %v", retryable, c.wantRetry)
			}
			if retryOnce != c.wantRetryOnce {
				t.Errorf("retryOnce = %v, want %v", retryOnce, c.wantRetryOnce)
			}
		})
	}
}

func TestRetryExecutorSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	attempts := 0
	res, err := r.Call(context.Background(), "test", nil, func(ctx context.Context) (Result, error) {
		attempts++
		if attempts < 3 {
			return Result{}, &BackendError{Status: 503}
		}
		return Result{Content: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("expected ok, got %q", res.Content)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExecutorNonRetryableFailsImmediately(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	attempts := 0
	_, err := r.Call(context.Background(), "test", nil, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{}, &BackendError{Status: 401}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable class, got %d", attempts)
	}
	var de *DispatchError
	if !asDispatchError(err, &de) || de.Kind != KindAuthError {
		t.Errorf("expected KindAuthError, got %v", err)
	}
}

func TestRetryExecutorExhaustsAttempts(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	attempts := 0
	_, err := r.Call(context.Background(), "test", nil, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{}, &BackendError{Status: 500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Errorf("expected exactly MaxAttempts=2 attempts, got %d", attempts)
	}
}

func TestRetryExecutorValidationRetriesExactlyOnce(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	attempts := 0
	start := time.Now()
	_, err := r.Call(context.Background(), "test", nil, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{}, &BackendError{Status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// The validation class gets one retry within the budget, not the full
	// MaxAttempts, and the retry happens without a backoff sleep.
	if attempts != 2 {
		t.Errorf("expected 2 attempts for the validation class, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("validation retry should not back off, took %s", elapsed)
	}
}

func TestRetryExecutorTimeoutRetriesOnceWithinBudget(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	attempts := 0
	_, err := r.Call(context.Background(), "test", nil, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{}, &BackendError{Timeout: true}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts for the timeout class, got %d", attempts)
	}
	var de *DispatchError
	if !asDispatchError(err, &de) || de.Kind != KindTimeout {
		t.Errorf("expected KindTimeout, got %v", err)
	}
}

func TestRetryExecutorHonorsContextCancellation(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := r.Call(ctx, "test", nil, func(ctx context.Context) (Result, error) {
		attempts++
		return Result{}, &BackendError{Status: 500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var de *DispatchError
	if !asDispatchError(err, &de) || de.Kind != KindCancelled {
		t.Errorf("expected KindCancelled, got %v", err)
	}
}

func TestBackoffBounded(t *testing.T) {
	r := NewRetryExecutor(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second})
	for i := 0; i < 10; i++ {
		d := r.backoff(i)
		if d > r.policy.MaxDelay {
			t.Fatalf("backoff(%d) = %s exceeds MaxDelay %s", i, d, r.policy.MaxDelay)
		}
		if d < 0 {
			t.Fatalf("backoff(%d) = %s is negative", i, d)
		}
	}
}
