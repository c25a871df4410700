package gatekeeper

import (
	"context"
	"log"
)

// Dispatcher is the single entry point the HTTP layer calls: admission
// (Quota Gate), affordability (Budget Gate), then either a workflow
// execution or a routed single agent call, with one fallback attempt on
// circuit-open/no-agent-available/upstream-error.
type Dispatcher struct {
	quota   *QuotaGate
	budget  *BudgetGate
	router  *Router
	invoker *AgentInvoker
	wf      *WorkflowEngine
	agents  agentModelResolver
	metrics Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher wires the gates, router, invoker, and workflow engine.
func NewDispatcher(quota *QuotaGate, budget *BudgetGate, router *Router, invoker *AgentInvoker, wf *WorkflowEngine, agents agentModelResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{quota: quota, budget: budget, router: router, invoker: invoker, wf: wf, agents: agents, metrics: NewNoopMetrics()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchOutcome is returned by Dispatch for either call shape.
type DispatchOutcome struct {
	Result    *Result
	Decision  *RoutingDecision
	Execution *WorkflowExecution
	CostUSD   float64
}

// Dispatch admits req through the Quota and Budget Gates, then either runs
// req.Workflow to completion or routes+invokes a single agent call,
// falling back to the Router's fallback_agent_id exactly once on
// CircuitOpen/NoAgentAvailable/UpstreamError (a rejected request never reaches the
// Router or Invoker).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (DispatchOutcome, error) {
	d.metrics.IncRequests(ctx)
	log.Printf(" [dispatch] stage=quota project=%s agent_hint=%s", req.ProjectID, req.AgentHint)
	lease, err := d.quota.TryAdmit(req.ProjectID, req.AgentHint)
	if err != nil {
		return DispatchOutcome{}, err
	}
	defer lease.Release()

	req.BudgetEstimate = estimateTokens(req)
	log.Printf(" [dispatch] stage=budget project=%s estimate=%d/%d", req.ProjectID, req.BudgetEstimate.Input, req.BudgetEstimate.Output)
	model := d.modelFor(req.AgentHint)
	if err := d.budget.Check(ctx, req, model); err != nil {
		return DispatchOutcome{}, err
	}

	if req.Workflow != nil {
		log.Printf(" [dispatch] stage=workflow definition=%s", req.Workflow.DefinitionID)
		exec, err := d.wf.Execute(ctx, req.Workflow.DefinitionID, req.Workflow.Context)
		if err != nil {
			return DispatchOutcome{}, err
		}
		d.reconcile(ctx, req.ProjectID)
		return DispatchOutcome{Execution: &exec, CostUSD: exec.TotalCostUSD}, nil
	}

	log.Printf(" [dispatch] stage=route session=%s", req.SessionKey)
	var decision RoutingDecision
	if a, ok := d.agentByID(req.AgentHint); ok {
		// A caller-pinned agent skips routing; the pinned agent's own
		// backup list supplies the fallback.
		decision = RoutingDecision{ChosenAgentID: a.AgentID, Confidence: 1, Reason: "agent pinned by caller"}
		if len(a.BackupAgentIDs) > 0 {
			decision.FallbackAgentID = a.BackupAgentIDs[0]
		}
	} else {
		var err error
		decision, err = d.router.Route(req.SessionKey, req.Prompt, req.ConversationHistory)
		if err != nil {
			return DispatchOutcome{}, err
		}
	}

	log.Printf(" [dispatch] stage=invoke agent=%s", decision.ChosenAgentID)
	result, cost, err := d.invoker.Invoke(ctx, decision.ChosenAgentID, d.modelFor(decision.ChosenAgentID), req)
	if err == nil {
		d.reconcile(ctx, req.ProjectID)
		return DispatchOutcome{Result: &result, Decision: &decision, CostUSD: cost}, nil
	}

	if !isFallbackEligible(err) || decision.FallbackAgentID == "" {
		return DispatchOutcome{}, err
	}

	log.Printf(" [dispatch] stage=fallback agent=%s reason=%v", decision.FallbackAgentID, err)
	result, cost, fbErr := d.invoker.Invoke(ctx, decision.FallbackAgentID, d.modelFor(decision.FallbackAgentID), req)
	if fbErr != nil {
		return DispatchOutcome{}, fbErr
	}
	decision.ChosenAgentID = decision.FallbackAgentID
	d.reconcile(ctx, req.ProjectID)
	return DispatchOutcome{Result: &result, Decision: &decision, CostUSD: cost}, nil
}

// reconcile re-checks the project's actual spend against the hard ceiling
// once the Ledger has recorded the invocation's real token counts, off the
// request path so the caller's response is never delayed by it.
func (d *Dispatcher) reconcile(ctx context.Context, projectID string) {
	go d.budget.Reconcile(context.WithoutCancel(ctx), projectID)
}

func (d *Dispatcher) agentByID(agentID string) (Agent, bool) {
	if agentID == "" || d.agents == nil {
		return Agent{}, false
	}
	for _, a := range d.agents.Agents() {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return Agent{}, false
}

func (d *Dispatcher) modelFor(agentID string) string {
	a, _ := d.agentByID(agentID)
	return a.Model
}

// estimateTokens fills in a token estimate when the caller didn't supply
// one: roughly four characters per input token over the prompt and history,
// plus a flat output allowance.
func estimateTokens(req Request) TokenEstimate {
	if req.BudgetEstimate.Input > 0 || req.BudgetEstimate.Output > 0 {
		return req.BudgetEstimate
	}
	chars := len(req.Prompt)
	for _, h := range req.ConversationHistory {
		chars += len(h)
	}
	return TokenEstimate{Input: chars/4 + 1, Output: 512}
}

// isFallbackEligible reports whether err is the kind of failure that
// justifies one fallback-agent attempt: the agent was unreachable, not
// that the request itself was invalid or over budget.
func isFallbackEligible(err error) bool {
	de, ok := err.(*DispatchError)
	if !ok {
		return false
	}
	return de.Kind == KindCircuitOpen || de.Kind == KindNoAgentAvailable || de.Kind == KindUpstreamError
}
