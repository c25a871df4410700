package gatekeeper

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	var alerts []Alert
	b := NewCircuitBreaker(
		WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 3, HalfOpenTimeout: time.Minute}),
		WithBreakerAlerts(func(a Alert) { alerts = append(alerts, a) }),
	)

	for i := 0; i < 2; i++ {
		if !b.Allow("agent-1") {
			t.Fatalf("expected Allow before trip, iteration %d", i)
		}
		b.RecordFailure("agent-1")
	}
	if b.GetState("agent-1") != StateClosed {
		t.Fatalf("expected still closed before threshold, got %v", b.GetState("agent-1"))
	}

	b.RecordFailure("agent-1")
	if b.GetState("agent-1") != StateOpen {
		t.Fatalf("expected open after threshold, got %v", b.GetState("agent-1"))
	}
	if b.Allow("agent-1") {
		t.Fatal("expected Allow to reject while open")
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one trip alert, got %d", len(alerts))
	}
}

func TestCircuitBreakerHalfOpenSingleProbe(t *testing.T) {
	b := NewCircuitBreaker(WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond}))
	b.RecordFailure("agent-1")
	if b.GetState("agent-1") != StateOpen {
		t.Fatal("expected open")
	}
	time.Sleep(15 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Allow("agent-1")
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, r := range results {
		if r {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("expected exactly one probe claim across concurrent callers, got %d", allowed)
	}
}

func TestCircuitBreakerRecordSuccessClosesFromHalfOpen(t *testing.T) {
	b := NewCircuitBreaker(WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 1, HalfOpenTimeout: time.Millisecond}))
	b.RecordFailure("agent-1")
	time.Sleep(2 * time.Millisecond)
	if !b.Allow("agent-1") {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordSuccess("agent-1")
	if b.GetState("agent-1") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.GetState("agent-1"))
	}
	if !b.Allow("agent-1") {
		t.Fatal("expected calls allowed again once closed")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 1, HalfOpenTimeout: time.Millisecond}))
	b.RecordFailure("agent-1")
	time.Sleep(2 * time.Millisecond)
	b.Allow("agent-1")
	b.RecordFailure("agent-1")
	if b.GetState("agent-1") != StateOpen {
		t.Fatalf("expected reopened, got %v", b.GetState("agent-1"))
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	b := NewCircuitBreaker(WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 1, HalfOpenTimeout: time.Minute}))
	b.RecordFailure("agent-1")
	if b.GetState("agent-1") != StateOpen {
		t.Fatal("expected open")
	}
	b.Reset("agent-1")
	if b.GetState("agent-1") != StateClosed {
		t.Fatal("expected closed after reset")
	}
	if !b.Allow("agent-1") {
		t.Fatal("expected allow after reset")
	}
}

func TestCircuitBreakerFailuresOutsideWindowDontAccumulate(t *testing.T) {
	b := NewCircuitBreaker(WithBreakerConfig(CircuitBreakerConfig{FailureWindow: 10 * time.Millisecond, FailureThreshold: 2, HalfOpenTimeout: time.Minute}))
	b.RecordFailure("agent-1")
	time.Sleep(15 * time.Millisecond)
	b.RecordFailure("agent-1")
	if b.GetState("agent-1") != StateClosed {
		t.Fatalf("expected closed since first failure aged out of window, got %v", b.GetState("agent-1"))
	}
}

func TestCircuitBreakerGetAllStates(t *testing.T) {
	b := NewCircuitBreaker()
	b.Allow("a")
	b.Allow("b")
	snaps := b.GetAllStates()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}
