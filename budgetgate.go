package gatekeeper

import (
	"context"
	"log"
	"sync"
)

// BudgetTier is one of the three evaluated-in-order limits.
type BudgetTier struct {
	Limit   float64
	WarnPct float64 // default 0.80
}

// BudgetLimits is the per-project (or global-default) limit set.
type BudgetLimits struct {
	PerTask BudgetTier
	Daily   BudgetTier
	Monthly BudgetTier
}

func defaultTier(limit float64) BudgetTier { return BudgetTier{Limit: limit, WarnPct: 0.80} }

// BudgetGateConfig holds the global default limits plus per-project
// overrides (a per-project limit overrides the global default if set).
type BudgetGateConfig struct {
	Global          BudgetLimits
	ProjectOverride map[string]BudgetLimits
	SafeMediumPrice Pricing // used when a model has no configured pricing
}

// CostLedgerReader is the read-only view of the Cost Ledger the Budget
// Gate needs: a BudgetSnapshot for the project (and optionally one request).
type CostLedgerReader interface {
	Snapshot(ctx context.Context, projectID, taskRequestID string) BudgetSnapshot
}

// BudgetGate decides APPROVE / WARN / REJECT for a pending request.
// Evaluation reads a BudgetSnapshot from the CostLedgerReader and does no
// I/O of its own. The Cost Ledger serves a Snapshot from its short-lived
// cache when it can; on a cache miss it queries the Store, so a Check can
// block on store I/O (see costledger.go). Pricing is
// per-1k-token; a model with no configured pricing falls back to the
// "safe-medium" price rather than costing zero.
type BudgetGate struct {
	cfg     BudgetGateConfig
	ledger  CostLedgerReader
	pricing map[string]Pricing
	metrics Metrics

	mu   sync.Mutex
	halt map[string]bool // project_id -> HALT flag tripped by reconciliation
}

// BudgetGateOption configures a BudgetGate.
type BudgetGateOption func(*BudgetGate)

func WithBudgetMetrics(m Metrics) BudgetGateOption {
	return func(g *BudgetGate) { g.metrics = m }
}

// NewBudgetGate constructs a BudgetGate backed by the given Cost Ledger and
// per-model pricing table.
func NewBudgetGate(cfg BudgetGateConfig, ledger CostLedgerReader, pricing map[string]Pricing, opts ...BudgetGateOption) *BudgetGate {
	if cfg.Global.PerTask.Limit == 0 {
		cfg.Global.PerTask = defaultTier(5.0)
	}
	if cfg.Global.Daily.Limit == 0 {
		cfg.Global.Daily = defaultTier(20.0)
	}
	if cfg.Global.Monthly.Limit == 0 {
		cfg.Global.Monthly = defaultTier(500.0)
	}
	g := &BudgetGate{cfg: cfg, ledger: ledger, pricing: pricing, metrics: NewNoopMetrics(), halt: make(map[string]bool)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EstimatedCost computes cost = tokens_in/1000 * price_in + tokens_out/1000 * price_out.
func (g *BudgetGate) EstimatedCost(model string, est TokenEstimate) float64 {
	p, ok := g.pricing[model]
	if !ok {
		p = g.cfg.SafeMediumPrice
	}
	return float64(est.Input)/1000*p.InputPerThousand + float64(est.Output)/1000*p.OutputPerThousand
}

func (g *BudgetGate) limitsFor(projectID string) BudgetLimits {
	if l, ok := g.cfg.ProjectOverride[projectID]; ok {
		return l
	}
	return g.cfg.Global
}

// Check evaluates the three tiers in order against req. Returns nil on
// APPROVE (WARN is logged, not returned as an error).
func (g *BudgetGate) Check(ctx context.Context, req Request, model string) error {
	g.mu.Lock()
	halted := g.halt[req.ProjectID]
	g.mu.Unlock()
	if halted {
		g.metrics.IncGateRejection(ctx, "halt")
		return &GateError{Kind: KindBudgetReject, Gate: "halt", Detail: "project halted by post-call reconciliation"}
	}

	limits := g.limitsFor(req.ProjectID)
	estimate := g.EstimatedCost(model, req.BudgetEstimate)
	snap := g.ledger.Snapshot(ctx, req.ProjectID, req.RequestID)

	if estimate > limits.PerTask.Limit {
		g.metrics.IncGateRejection(ctx, "per_task")
		return &GateError{Kind: KindBudgetReject, Gate: "per_task", Detail: "per-task estimate exceeds limit",
			CurrentSpend: estimate, Limit: limits.PerTask.Limit, RemainingBudget: limits.PerTask.Limit - estimate}
	}
	warnIfCrossing("per_task", estimate, limits.PerTask)

	dailyTotal := snap.SpendDaily + estimate
	if dailyTotal > limits.Daily.Limit {
		g.metrics.IncGateRejection(ctx, "daily")
		return &GateError{Kind: KindBudgetReject, Gate: "daily", Detail: "daily spend would exceed limit",
			CurrentSpend: snap.SpendDaily, Limit: limits.Daily.Limit, RemainingBudget: limits.Daily.Limit - snap.SpendDaily}
	}
	warnIfCrossing("daily", dailyTotal, limits.Daily)

	monthlyTotal := snap.SpendMonthly + estimate
	if monthlyTotal > limits.Monthly.Limit {
		g.metrics.IncGateRejection(ctx, "monthly")
		return &GateError{Kind: KindBudgetReject, Gate: "monthly", Detail: "monthly spend would exceed limit",
			CurrentSpend: snap.SpendMonthly, Limit: limits.Monthly.Limit, RemainingBudget: limits.Monthly.Limit - snap.SpendMonthly}
	}
	warnIfCrossing("monthly", monthlyTotal, limits.Monthly)

	return nil
}

func warnIfCrossing(gate string, projected float64, tier BudgetTier) {
	if tier.Limit <= 0 {
		return
	}
	threshold := tier.WarnPct
	if threshold <= 0 {
		threshold = 0.80
	}
	if projected >= tier.Limit*threshold {
		log.Printf(" [budget] WARN gate=%s projected=%.4f limit=%.4f (%.0f%% threshold)", gate, projected, tier.Limit, threshold*100)
	}
}

// Reconcile re-verifies the daily/monthly window after an invocation
// completes with actual token counts, and trips a project-wide HALT flag
// if actual spend crosses the hard ceiling (a multiple of the configured
// limit, to avoid flapping on single-request overshoot).
func (g *BudgetGate) Reconcile(ctx context.Context, projectID string) {
	limits := g.limitsFor(projectID)
	snap := g.ledger.Snapshot(ctx, projectID, "")
	const haltMultiple = 1.5
	tripped := (limits.Daily.Limit > 0 && snap.SpendDaily > limits.Daily.Limit*haltMultiple) ||
		(limits.Monthly.Limit > 0 && snap.SpendMonthly > limits.Monthly.Limit*haltMultiple)

	g.mu.Lock()
	g.halt[projectID] = tripped
	g.mu.Unlock()

	if tripped {
		log.Printf(" [budget] HALT project=%s daily=%.2f monthly=%.2f", projectID, snap.SpendDaily, snap.SpendMonthly)
	}
}

// BudgetStatus is the operator-facing combination of current spend and the
// limits it's measured against, for the quota/budget status endpoint.
type BudgetStatus struct {
	ProjectID string         `json:"project_id"`
	Spend     BudgetSnapshot `json:"spend"`
	Limits    BudgetLimits   `json:"limits"`
	Halted    bool           `json:"halted"`
}

// Status returns projectID's current spend alongside the limits it is
// evaluated against (the per-project override if one is configured,
// otherwise the global default).
func (g *BudgetGate) Status(ctx context.Context, projectID string) BudgetStatus {
	g.mu.Lock()
	halted := g.halt[projectID]
	g.mu.Unlock()
	return BudgetStatus{
		ProjectID: projectID,
		Spend:     g.ledger.Snapshot(ctx, projectID, ""),
		Limits:    g.limitsFor(projectID),
		Halted:    halted,
	}
}

// ClearHalt lifts a HALT flag (operator control, e.g. after raising limits).
func (g *BudgetGate) ClearHalt(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.halt, projectID)
}
