package gatekeeper

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// RetryPolicy configures the Retry Executor's attempt bounds and backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// classifyBackendError maps a BackendError (or context cancellation) into
// an ErrorKind and whether the class is retryable. retryOnce marks the
// classes (timeout, validation) that get at most one retry within the
// attempt budget.
func classifyBackendError(err error) (kind ErrorKind, retryable bool, retryOnce bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled, false, false
	}
	var be *BackendError
	if !errors.As(err, &be) {
		return KindUnknown, true, false
	}
	switch {
	case be.Timeout:
		return KindTimeout, true, true
	case be.Connection:
		return KindUpstreamError, true, false
	case be.Status == 429:
		return KindRateLimit, true, false
	case be.Status == 401, be.Status == 403:
		return KindAuthError, false, false
	case be.Status == 404:
		return KindNoAgentAvailable, false, false
	case be.Status >= 500:
		return KindUpstreamError, true, false
	case be.Status >= 400:
		// validation class: one immediate retry, no backoff
		return KindInvalidInput, true, true
	default:
		return KindUnknown, true, false
	}
}

// RetryExecutor wraps a single backend call with attempt bounds, per-class
// retry policy, and exponential backoff with symmetric ±10% jitter capped
// at MaxDelay.
type RetryExecutor struct {
	policy  RetryPolicy
	metrics Metrics
}

// RetryExecutorOption configures a RetryExecutor.
type RetryExecutorOption func(*RetryExecutor)

func WithRetryMetrics(m Metrics) RetryExecutorOption {
	return func(r *RetryExecutor) { r.metrics = m }
}

// NewRetryExecutor constructs a RetryExecutor with the given policy; the
// zero value of RetryPolicy is replaced with the documented defaults
// field-by-field.
func NewRetryExecutor(policy RetryPolicy, opts ...RetryExecutorOption) *RetryExecutor {
	d := defaultRetryPolicy()
	if policy.MaxAttempts > 0 {
		d.MaxAttempts = policy.MaxAttempts
	}
	if policy.BaseDelay > 0 {
		d.BaseDelay = policy.BaseDelay
	}
	if policy.MaxDelay > 0 {
		d.MaxDelay = policy.MaxDelay
	}
	r := &RetryExecutor{policy: d, metrics: NewNoopMetrics()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attempt hooks let the Agent Invoker refresh the Heartbeat Monitor's
// last_activity_at between retries.
type AttemptHook func()

// Call invokes fn at most MaxAttempts times, applying backoff between
// attempts and honoring the containing context's cancellation. Retry-once
// classes (timeout, validation) are retried a single time within that
// budget; validation retries skip the backoff sleep entirely.
func (r *RetryExecutor) Call(ctx context.Context, name string, onAttempt AttemptHook, fn func(ctx context.Context) (Result, error)) (Result, error) {
	var lastErr error
	usedOnceClasses := make(map[ErrorKind]bool)

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Result{}, newDispatchError(KindCancelled, "retry aborted by context", ctx.Err())
		}
		if onAttempt != nil {
			onAttempt()
		}
		r.metrics.IncRetryAttempt(ctx, name)
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		kind, retryable, retryOnce := classifyBackendError(err)
		if kind == KindCancelled {
			return Result{}, newDispatchError(KindCancelled, "call cancelled", err)
		}
		if !retryable {
			return Result{}, newDispatchError(kind, "non-retryable backend error", err)
		}
		lastErr = err

		if retryOnce {
			if usedOnceClasses[kind] {
				break
			}
			usedOnceClasses[kind] = true
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}
		if kind == KindInvalidInput {
			// validation class retries immediately, no backoff
			continue
		}

		delay := r.delayFor(attempt, err, kind == KindTimeout)
		log.Printf(" [retry] %s: %v (attempt %d), retrying in %s", name, err, attempt+1, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, newDispatchError(KindCancelled, "retry aborted waiting for backoff", ctx.Err())
		case <-timer.C:
		}
	}
	kind, _, _ := classifyBackendError(lastErr)
	return Result{}, newDispatchError(kind, "retry attempts exhausted", lastErr)
}

// delayFor computes the backoff for attempt i, honoring Retry-After when
// larger and doubling the effective wait for a timeout-class retry (the
// doubled-timeout-budget policy for timeout retries, reflected here
// as a doubled backoff floor since the per-attempt timeout itself is the
// caller's concern, not the executor's).
func (r *RetryExecutor) delayFor(i int, err error, doubled bool) time.Duration {
	backoff := r.backoff(i)
	if doubled {
		backoff *= 2
		if backoff > r.policy.MaxDelay {
			backoff = r.policy.MaxDelay
		}
	}
	var be *BackendError
	if errors.As(err, &be) && be.RetryAfter > backoff {
		return be.RetryAfter
	}
	return backoff
}

// backoff returns delay_n = min(base*2^n, max_delay) with ±10% jitter.
func (r *RetryExecutor) backoff(i int) time.Duration {
	exp := r.policy.BaseDelay * (1 << uint(i))
	if exp > r.policy.MaxDelay || exp <= 0 {
		exp = r.policy.MaxDelay
	}
	jitterRange := float64(exp) * 0.10
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d := time.Duration(float64(exp) + jitter)
	if d < 0 {
		d = 0
	}
	if d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	return d
}
