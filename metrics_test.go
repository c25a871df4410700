package gatekeeper

import (
	"context"
	"sync"
	"testing"
	"time"
)

// countingMetrics records every Metrics call for assertions.
type countingMetrics struct {
	mu                sync.Mutex
	requests          int
	gateRejections    map[string]int
	breakerTrips      int
	retryAttempts     int
	alerts            int
	cost              float64
	invokeDurations   int
	workflowDurations int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{gateRejections: make(map[string]int)}
}

func (m *countingMetrics) IncRequests(context.Context) {
	m.mu.Lock()
	m.requests++
	m.mu.Unlock()
}

func (m *countingMetrics) IncGateRejection(_ context.Context, gate string) {
	m.mu.Lock()
	m.gateRejections[gate]++
	m.mu.Unlock()
}

func (m *countingMetrics) IncBreakerTrip(context.Context, string) {
	m.mu.Lock()
	m.breakerTrips++
	m.mu.Unlock()
}

func (m *countingMetrics) IncRetryAttempt(context.Context, string) {
	m.mu.Lock()
	m.retryAttempts++
	m.mu.Unlock()
}

func (m *countingMetrics) IncAlert(context.Context) {
	m.mu.Lock()
	m.alerts++
	m.mu.Unlock()
}

func (m *countingMetrics) AddCost(_ context.Context, usd float64) {
	m.mu.Lock()
	m.cost += usd
	m.mu.Unlock()
}

func (m *countingMetrics) RecordInvokeDuration(context.Context, string, float64) {
	m.mu.Lock()
	m.invokeDurations++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordWorkflowDuration(context.Context, string, float64) {
	m.mu.Lock()
	m.workflowDurations++
	m.mu.Unlock()
}

var _ Metrics = (*countingMetrics)(nil)

func TestMetricsRecordedOnSuccessfulDispatch(t *testing.T) {
	m := newCountingMetrics()
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{AgentID: agentID, Content: "ok", Tokens: Usage{InputTokens: 1000, OutputTokens: 500}}, nil
	})
	agents := []Agent{{AgentID: "a1", Kind: KindGeneric, Model: "gpt-x"}}
	pricing := map[string]Pricing{"gpt-x": {InputPerThousand: 1, OutputPerThousand: 2}}

	quota := NewQuotaGate(QuotaGateConfig{MaxQueueSize: 10, PerProjectConcurrentMax: 10, PerAgentConcurrentMax: 10}, WithQuotaMetrics(m))
	ledger := NewCostLedger(newFakeStore(), WithLedgerMetrics(m))
	budget := NewBudgetGate(BudgetGateConfig{
		Global: BudgetLimits{PerTask: defaultTier(1000), Daily: defaultTier(1000), Monthly: defaultTier(10000)},
	}, ledger, pricing, WithBudgetMetrics(m))
	registry := NewStaticRegistry(agents)
	router := NewRouter(registry, RouterConfig{Keywords: testKeywords()})
	breaker := NewCircuitBreaker(WithBreakerMetrics(m))
	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{CheckInterval: time.Hour}, nil)
	retry := NewRetryExecutor(RetryPolicy{MaxAttempts: 1}, WithRetryMetrics(m))
	invoker := NewAgentInvoker(backend, breaker, heartbeat, retry, ledger, pricing, WithInvokerMetrics(m))
	wf := NewWorkflowEngine(newFakeStore(), NewStaticDefinitions(nil), invoker, registry, WithWorkflowMetrics(m))
	d := NewDispatcher(quota, budget, router, invoker, wf, registry, WithDispatcherMetrics(m))

	_, err := d.Dispatch(context.Background(), Request{ProjectID: "p1", SessionKey: "s1", Prompt: "hello there"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requests != 1 {
		t.Errorf("expected 1 request recorded, got %d", m.requests)
	}
	if m.retryAttempts != 1 {
		t.Errorf("expected 1 retry attempt recorded, got %d", m.retryAttempts)
	}
	if m.invokeDurations != 1 {
		t.Errorf("expected 1 invoke duration recorded, got %d", m.invokeDurations)
	}
	wantCost := 1.0*1 + 0.5*2
	if m.cost != wantCost {
		t.Errorf("expected cost %v recorded, got %v", wantCost, m.cost)
	}
	if len(m.gateRejections) != 0 {
		t.Errorf("expected no gate rejections on a clean dispatch, got %+v", m.gateRejections)
	}
}

func TestMetricsGateRejectionRecorded(t *testing.T) {
	m := newCountingMetrics()
	q := NewQuotaGate(QuotaGateConfig{MaxQueueSize: 1, PerProjectConcurrentMax: 10, PerAgentConcurrentMax: 10}, WithQuotaMetrics(m))
	lease, err := q.TryAdmit("p1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer lease.Release()

	if _, err := q.TryAdmit("p2", ""); err == nil {
		t.Fatal("expected queue rejection")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gateRejections["queue"] != 1 {
		t.Errorf("expected 1 queue rejection recorded, got %+v", m.gateRejections)
	}
}

func TestMetricsBreakerTripRecorded(t *testing.T) {
	m := newCountingMetrics()
	b := NewCircuitBreaker(
		WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 1, HalfOpenTimeout: time.Hour}),
		WithBreakerMetrics(m),
	)
	b.RecordFailure("agent-1")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerTrips != 1 {
		t.Errorf("expected 1 breaker trip recorded, got %d", m.breakerTrips)
	}
}

func TestMetricsWorkflowDurationRecorded(t *testing.T) {
	m := newCountingMetrics()
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{Content: "ok"}, nil
	})
	defs := []WorkflowDefinition{{
		ID:    "def-1",
		Tasks: []TaskDefinition{{ID: "t1", Type: TaskAgentCall, AgentID: "agent-1"}},
	}}
	store := newFakeStore()
	breaker := NewCircuitBreaker()
	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{CheckInterval: time.Hour}, nil)
	retry := NewRetryExecutor(RetryPolicy{MaxAttempts: 1})
	ledger := NewCostLedger(store)
	invoker := NewAgentInvoker(backend, breaker, heartbeat, retry, ledger, map[string]Pricing{})
	registry := NewStaticRegistry([]Agent{{AgentID: "agent-1"}})
	engine := NewWorkflowEngine(store, NewStaticDefinitions(defs), invoker, registry, WithWorkflowMetrics(m))

	if _, err := engine.Execute(context.Background(), "def-1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workflowDurations != 1 {
		t.Errorf("expected 1 workflow duration recorded, got %d", m.workflowDurations)
	}
}
