package gatekeeper

import (
	"context"
	"testing"
	"time"
)

func newTestWorkflowEngine(t *testing.T, backend AgentBackend, defs []WorkflowDefinition) (*WorkflowEngine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	breaker := NewCircuitBreaker()
	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{CheckInterval: time.Hour}, nil)
	retry := NewRetryExecutor(RetryPolicy{MaxAttempts: 1})
	ledger := NewCostLedger(store)
	pricing := map[string]Pricing{"gpt-x": {InputPerThousand: 1, OutputPerThousand: 1}}
	invoker := NewAgentInvoker(backend, breaker, heartbeat, retry, ledger, pricing)
	registry := NewStaticRegistry([]Agent{{AgentID: "agent-1", Model: "gpt-x"}})
	engine := NewWorkflowEngine(store, NewStaticDefinitions(defs), invoker, registry)
	return engine, store
}

func TestWorkflowExecuteSequentialAgentCalls(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{Content: "ok", Tokens: Usage{InputTokens: 1000, OutputTokens: 1000}}, nil
	})
	defs := []WorkflowDefinition{{
		ID: "def-1",
		Tasks: []TaskDefinition{
			{ID: "t1", Type: TaskAgentCall, AgentID: "agent-1", PromptTemplate: "step one"},
			{ID: "t2", Type: TaskAgentCall, AgentID: "agent-1", PromptTemplate: "step two"},
		},
	}}
	engine, _ := newTestWorkflowEngine(t, backend, defs)

	exec, err := engine.Execute(context.Background(), "def-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != ExecCompleted {
		t.Fatalf("expected completed, got %v (%s)", exec.Status, exec.FailureReason)
	}
	if len(exec.TaskExecutions) != 2 {
		t.Fatalf("expected 2 task executions, got %d", len(exec.TaskExecutions))
	}
	wantCost := 4.0 // two calls, each 1000 in + 1000 out tokens at $1/1k per side
	if exec.TotalCostUSD != wantCost {
		t.Fatalf("expected total cost %v, got %v", wantCost, exec.TotalCostUSD)
	}
}

func TestWorkflowStopsOnFailureWithoutSkipOnError(t *testing.T) {
	calls := 0
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		calls++
		return Result{}, &BackendError{Status: 401}
	})
	defs := []WorkflowDefinition{{
		ID: "def-1",
		Tasks: []TaskDefinition{
			{ID: "t1", Type: TaskAgentCall, AgentID: "agent-1"},
			{ID: "t2", Type: TaskAgentCall, AgentID: "agent-1"},
		},
	}}
	engine, _ := newTestWorkflowEngine(t, backend, defs)

	exec, err := engine.Execute(context.Background(), "def-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != ExecFailed {
		t.Fatalf("expected failed, got %v", exec.Status)
	}
	if calls != 1 {
		t.Fatalf("expected task t2 never to run after t1 failed, got %d calls", calls)
	}
	if exec.TaskExecutions["t2"].Status != "" {
		t.Fatalf("expected t2 to have no recorded execution, got %+v", exec.TaskExecutions["t2"])
	}
}

func TestWorkflowSkipOnErrorContinues(t *testing.T) {
	calls := 0
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		calls++
		if agentID == "agent-1" && calls == 1 {
			return Result{}, &BackendError{Status: 401}
		}
		return Result{Content: "ok"}, nil
	})
	defs := []WorkflowDefinition{{
		ID: "def-1",
		Tasks: []TaskDefinition{
			{ID: "t1", Type: TaskAgentCall, AgentID: "agent-1", SkipOnError: true},
			{ID: "t2", Type: TaskAgentCall, AgentID: "agent-1"},
		},
	}}
	engine, _ := newTestWorkflowEngine(t, backend, defs)

	exec, err := engine.Execute(context.Background(), "def-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != ExecCompleted {
		t.Fatalf("expected completed, got %v (%s)", exec.Status, exec.FailureReason)
	}
	if exec.TaskExecutions["t1"].Status != TaskFailed {
		t.Fatalf("expected t1 recorded as failed, got %v", exec.TaskExecutions["t1"].Status)
	}
	if exec.TaskExecutions["t2"].Status != TaskSuccess {
		t.Fatalf("expected t2 to run and succeed, got %v", exec.TaskExecutions["t2"].Status)
	}
}

func TestWorkflowConditionalBranching(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{Content: req.Prompt}, nil
	})
	defs := []WorkflowDefinition{{
		ID: "def-1",
		Tasks: []TaskDefinition{
			{ID: "check", Type: TaskConditional, Expression: "score >= 50", NextIfTrue: "high", NextIfFalse: "low"},
			{ID: "high", Type: TaskAgentCall, AgentID: "agent-1", PromptTemplate: "escalate"},
			{ID: "low", Type: TaskAgentCall, AgentID: "agent-1", PromptTemplate: "auto-resolve"},
		},
	}}
	engine, _ := newTestWorkflowEngine(t, backend, defs)

	exec, err := engine.Execute(context.Background(), "def-1", map[string]any{"score": 75})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.TaskExecutions["high"].Status != TaskSuccess {
		t.Fatalf("expected high branch to run, got %+v", exec.TaskExecutions)
	}
	if _, ranLow := exec.TaskExecutions["low"]; ranLow {
		t.Fatal("expected low branch not to run")
	}
}

func TestWorkflowParallelChildrenIndependentSkip(t *testing.T) {
	backend := AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		if req.Prompt == "fails" {
			return Result{}, &BackendError{Status: 401}
		}
		return Result{Content: "ok"}, nil
	})
	defs := []WorkflowDefinition{{
		ID: "def-1",
		Tasks: []TaskDefinition{
			{ID: "fanout", Type: TaskParallel, Children: []TaskDefinition{
				{ID: "child-a", Type: TaskAgentCall, AgentID: "agent-1", PromptTemplate: "fails", SkipOnError: true},
				{ID: "child-b", Type: TaskAgentCall, AgentID: "agent-1", PromptTemplate: "succeeds"},
			}},
		},
	}}
	engine, _ := newTestWorkflowEngine(t, backend, defs)

	exec, err := engine.Execute(context.Background(), "def-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != ExecCompleted {
		t.Fatalf("expected completed since the failing child was skip_on_error, got %v", exec.Status)
	}
	if exec.TaskExecutions["child-a"].Status != TaskFailed {
		t.Fatalf("expected child-a recorded as failed, got %v", exec.TaskExecutions["child-a"].Status)
	}
	if exec.TaskExecutions["child-b"].Status != TaskSuccess {
		t.Fatalf("expected child-b to succeed independently, got %v", exec.TaskExecutions["child-b"].Status)
	}
}

func TestWorkflowRecoverReclassifiesRunningAsInterrupted(t *testing.T) {
	store := newFakeStore()
	_ = store.SaveWorkflowExecution(context.Background(), WorkflowExecution{
		ExecutionID: "stuck-1", DefinitionID: "def-1", Status: ExecRunning, StartedAt: 1,
	})
	breaker := NewCircuitBreaker()
	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{CheckInterval: time.Hour}, nil)
	retry := NewRetryExecutor(RetryPolicy{MaxAttempts: 1})
	ledger := NewCostLedger(store)
	invoker := NewAgentInvoker(AgentBackendFunc(func(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
		return Result{}, nil
	}), breaker, heartbeat, retry, ledger, map[string]Pricing{})
	engine := NewWorkflowEngine(store, NewStaticDefinitions(nil), invoker, NewStaticRegistry(nil))

	if err := engine.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recovered := engine.Recovered()
	if len(recovered) != 1 || recovered[0].ExecutionID != "stuck-1" {
		t.Fatalf("expected stuck-1 to be recovered, got %+v", recovered)
	}
	if recovered[0].Status != ExecFailed || recovered[0].FailureReason != "interrupted" {
		t.Fatalf("expected failed/interrupted, got %+v", recovered[0])
	}

	got, err := store.GetWorkflowExecution(context.Background(), "stuck-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != ExecFailed {
		t.Fatalf("expected persisted status failed, got %v", got.Status)
	}
}

func TestEvalExprOperators(t *testing.T) {
	ctx := map[string]any{"score": 75, "name": "alice"}
	cases := []struct {
		expr string
		want bool
	}{
		{"score >= 50", true},
		{"score > 75", false},
		{"score != 75", false},
		{"score == 75", true},
		{"name contains ali", true},
		{"name contains bob", false},
	}
	for _, c := range cases {
		got, err := evalExpr(c.expr, ctx)
		if err != nil {
			t.Fatalf("evalExpr(%q): %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("evalExpr(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}
