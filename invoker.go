package gatekeeper

import (
	"context"
	"time"
)

// AgentBackend is the opaque call target behind an agent_id: the model
// back-end dispatch contract the Agent Invoker composes Breaker/Retry/
// Heartbeat/Ledger around. Implementations live outside this module (the
// HTTP/transport layer and model back-ends are collaborators, not core).
type AgentBackend interface {
	Invoke(ctx context.Context, agentID string, req Request) (Result, *BackendError)
}

// AgentBackendFunc adapts a function to AgentBackend.
type AgentBackendFunc func(ctx context.Context, agentID string, req Request) (Result, *BackendError)

func (f AgentBackendFunc) Invoke(ctx context.Context, agentID string, req Request) (Result, *BackendError) {
	return f(ctx, agentID, req)
}

// AgentInvoker is the composed call path around one agent invocation:
// Circuit Breaker admission -> Heartbeat registration -> Retry Executor ->
// Cost Ledger recording. Every invocation produces exactly one of {success
// with cost recorded, failure classified by error kind}, never both and
// never neither.
type AgentInvoker struct {
	backend   AgentBackend
	breaker   *CircuitBreaker
	heartbeat *HeartbeatMonitor
	retry     *RetryExecutor
	ledger    *CostLedger
	pricing   map[string]Pricing
	safePrice Pricing
	tracer    Tracer
	metrics   Metrics
	onAlert   func(Alert)
}

// AgentInvokerOption configures an AgentInvoker.
type AgentInvokerOption func(*AgentInvoker)

func WithInvokerTracer(t Tracer) AgentInvokerOption {
	return func(i *AgentInvoker) { i.tracer = t }
}

func WithInvokerAlerts(fn func(Alert)) AgentInvokerOption {
	return func(i *AgentInvoker) { i.onAlert = fn }
}

func WithInvokerMetrics(m Metrics) AgentInvokerOption {
	return func(i *AgentInvoker) { i.metrics = m }
}

// WithInvokerSafePrice sets the fallback pricing applied to models absent
// from the pricing table, matching the Budget Gate's safe-medium default
// so an admitted call never records a $0 CostEvent just because its model
// is unpriced.
func WithInvokerSafePrice(p Pricing) AgentInvokerOption {
	return func(i *AgentInvoker) { i.safePrice = p }
}

// NewAgentInvoker wires the four collaborators together.
func NewAgentInvoker(backend AgentBackend, breaker *CircuitBreaker, heartbeat *HeartbeatMonitor, retry *RetryExecutor, ledger *CostLedger, pricing map[string]Pricing, opts ...AgentInvokerOption) *AgentInvoker {
	i := &AgentInvoker{
		backend:   backend,
		breaker:   breaker,
		heartbeat: heartbeat,
		retry:     retry,
		ledger:    ledger,
		pricing:   pricing,
		tracer:    NewNoopTracer(),
		metrics:   NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke calls agentID for req. Admission is checked against the Circuit
// Breaker first (not retried here; a rejection returns immediately).
func (i *AgentInvoker) Invoke(ctx context.Context, agentID, model string, req Request) (Result, float64, error) {
	ctx, span := i.tracer.Start(ctx, "invoker.invoke", StringAttr("agent.id", agentID))
	defer span.End()

	if !i.breaker.Allow(agentID) {
		span.SetAttr(StringAttr("invoker.status", "circuit_open"))
		return Result{}, 0, newDispatchError(KindCircuitOpen, "circuit breaker open for agent "+agentID, nil)
	}

	start := time.Now()
	defer func() {
		i.metrics.RecordInvokeDuration(ctx, agentID, float64(time.Since(start).Milliseconds()))
	}()

	taskID := NewID()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	i.heartbeat.Register(agentID, taskID, cancel)
	defer i.heartbeat.Unregister(taskID)

	onAttempt := func() { i.heartbeat.Touch(taskID) }

	result, err := i.retry.Call(callCtx, agentID, onAttempt, func(ctx context.Context) (Result, error) {
		res, backendErr := i.backend.Invoke(ctx, agentID, req)
		if backendErr != nil {
			return Result{}, backendErr
		}
		return res, nil
	})

	if err != nil {
		i.breaker.RecordFailure(agentID)
		span.Error(err)
		var de *DispatchError
		if ok := asDispatchError(err, &de); ok && i.onAlert != nil && de.Kind == KindUpstreamError {
			i.onAlert(Alert{
				Level:     AlertWarning,
				Component: "agent_invoker",
				Message:   "invocation failed for agent " + agentID,
				Details:   map[string]any{"agent_id": agentID, "error": err.Error()},
				Timestamp: NowUnix(),
			})
		}
		return Result{}, 0, err
	}

	i.breaker.RecordSuccess(agentID)

	cost := i.estimateActualCost(model, result.Tokens)
	ev := CostEvent{
		Timestamp: NowUnix(),
		ProjectID: req.ProjectID,
		AgentID:   agentID,
		Model:     model,
		TokensIn:  result.Tokens.InputTokens,
		TokensOut: result.Tokens.OutputTokens,
		CostUSD:   cost,
		RequestID: req.RequestID,
	}
	if recErr := i.ledger.Record(ctx, ev); recErr != nil {
		span.Error(recErr)
	}
	span.SetAttr(
		IntAttr("tokens.input", result.Tokens.InputTokens),
		IntAttr("tokens.output", result.Tokens.OutputTokens),
		Float64Attr("cost.usd", cost),
	)
	return result, cost, nil
}

func (i *AgentInvoker) estimateActualCost(model string, usage Usage) float64 {
	p, ok := i.pricing[model]
	if !ok {
		p = i.safePrice
	}
	return float64(usage.InputTokens)/1000*p.InputPerThousand + float64(usage.OutputTokens)/1000*p.OutputPerThousand
}

func asDispatchError(err error, target **DispatchError) bool {
	de, ok := err.(*DispatchError)
	if ok {
		*target = de
	}
	return ok
}
