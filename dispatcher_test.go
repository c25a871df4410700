package gatekeeper

import (
	"context"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, backend AgentBackend, agents []Agent) *Dispatcher {
	t.Helper()
	quota := NewQuotaGate(QuotaGateConfig{MaxQueueSize: 100, PerProjectConcurrentMax: 100, PerAgentConcurrentMax: 100})
	ledger := NewCostLedger(newFakeStore())
	budget := NewBudgetGate(BudgetGateConfig{
		Global: BudgetLimits{PerTask: defaultTier(1000), Daily: defaultTier(1000), Monthly: defaultTier(10000)},
	}, ledger, map[string]Pricing{})
	registry := NewStaticRegistry(agents)
	router := NewRouter(registry, RouterConfig{Keywords: testKeywords(), MinConfidenceLow: 0.0})
	breaker := NewCircuitBreaker(WithBreakerConfig(CircuitBreakerConfig{FailureWindow: time.Minute, FailureThreshold: 1, HalfOpenTimeout: time.Hour}))
	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{CheckInterval: time.Hour}, nil)
	retry := NewRetryExecutor(RetryPolicy{MaxAttempts: 1})
	invoker := NewAgentInvoker(backend, breaker, heartbeat, retry, ledger, map[string]Pricing{})
	wf := NewWorkflowEngine(newFakeStore(), NewStaticDefinitions(nil), invoker, registry)
	return NewDispatcher(quota, budget, router, invoker, wf, registry)
}

func TestDispatchRoutesAndInvokes(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{AgentID: agentID, Content: "done"}, nil
	})
	agents := []Agent{{AgentID: "a1", Kind: KindGeneric}}
	d := newTestDispatcher(t, backend, agents)

	out, err := d.Dispatch(context.Background(), Request{ProjectID: "p1", SessionKey: "s1", Prompt: "hello there"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result == nil || out.Result.Content != "done" {
		t.Fatalf("expected a result, got %+v", out)
	}
	if out.Decision == nil || out.Decision.ChosenAgentID != "a1" {
		t.Fatalf("expected routed to a1, got %+v", out.Decision)
	}
}

func TestDispatchFallsBackOnCircuitOpen(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		if agentID == "primary" {
			return Result{}, &BackendError{Status: 500}
		}
		return Result{AgentID: agentID, Content: "fallback-ok"}, nil
	})
	agents := []Agent{
		{AgentID: "primary", Kind: KindGeneric, Skills: []string{"x"}, BackupAgentIDs: []string{"secondary"}},
		{AgentID: "secondary", Kind: KindGeneric},
	}
	d := newTestDispatcher(t, backend, agents)

	// Trip the breaker for "primary" so the pinned dispatch hits CircuitOpen
	// and falls back to the agent's configured backup.
	d.invoker.breaker.RecordFailure("primary")

	out, err := d.Dispatch(context.Background(), Request{ProjectID: "p1", SessionKey: "s2", Prompt: "hello there", AgentHint: "primary"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result == nil {
		t.Fatal("expected a result from the fallback path")
	}
	if out.Decision.ChosenAgentID != "secondary" {
		t.Fatalf("expected the backup agent to serve the request, got %s", out.Decision.ChosenAgentID)
	}
}

func TestEstimateTokensDefaults(t *testing.T) {
	est := estimateTokens(Request{Prompt: "12345678"})
	if est.Input != 3 || est.Output != 512 {
		t.Fatalf("unexpected default estimate: %+v", est)
	}
	supplied := estimateTokens(Request{BudgetEstimate: TokenEstimate{Input: 10, Output: 20}})
	if supplied.Input != 10 || supplied.Output != 20 {
		t.Fatalf("caller-supplied estimate must pass through, got %+v", supplied)
	}
}

func TestDispatchRejectsOverQuota(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{}, nil
	})
	agents := []Agent{{AgentID: "a1", Kind: KindGeneric}}
	quota := NewQuotaGate(QuotaGateConfig{MaxQueueSize: 1, PerProjectConcurrentMax: 1, PerAgentConcurrentMax: 1})
	ledger := NewCostLedger(newFakeStore())
	budget := NewBudgetGate(BudgetGateConfig{Global: BudgetLimits{PerTask: defaultTier(1000), Daily: defaultTier(1000), Monthly: defaultTier(10000)}}, ledger, map[string]Pricing{})
	registry := NewStaticRegistry(agents)
	router := NewRouter(registry, RouterConfig{Keywords: testKeywords(), MinConfidenceLow: 0.0})
	breaker := NewCircuitBreaker()
	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{CheckInterval: time.Hour}, nil)
	retry := NewRetryExecutor(RetryPolicy{MaxAttempts: 1})
	invoker := NewAgentInvoker(backend, breaker, heartbeat, retry, ledger, map[string]Pricing{})
	wf := NewWorkflowEngine(newFakeStore(), NewStaticDefinitions(nil), invoker, registry)
	d := NewDispatcher(quota, budget, router, invoker, wf, registry)

	lease, err := quota.TryAdmit("p1", "")
	if err != nil {
		t.Fatalf("unexpected error reserving the slot: %v", err)
	}
	defer lease.Release()

	_, err = d.Dispatch(context.Background(), Request{ProjectID: "p1", SessionKey: "s1", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected quota rejection")
	}
	ge, ok := err.(*GateError)
	if !ok || ge.Kind != KindQuotaReject {
		t.Fatalf("expected GateError KindQuotaReject, got %v", err)
	}
}

func TestDispatchExecutesWorkflow(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{Content: "wf-ok"}, nil
	})
	agents := []Agent{{AgentID: "a1", Kind: KindGeneric, Model: "gpt-x"}}
	d := newTestDispatcher(t, backend, agents)
	d.wf.defs = NewStaticDefinitions([]WorkflowDefinition{{
		ID: "def-1",
		Tasks: []TaskDefinition{
			{ID: "t1", Type: TaskAgentCall, AgentID: "a1"},
		},
	}})

	out, err := d.Dispatch(context.Background(), Request{ProjectID: "p1", Workflow: &WorkflowInvoke{DefinitionID: "def-1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Execution == nil || out.Execution.Status != ExecCompleted {
		t.Fatalf("expected completed workflow execution, got %+v", out.Execution)
	}
}
