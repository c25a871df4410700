package gatekeeper

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CostLedger is the durable, append-only record of CostEvents plus
// aggregate queries. Costs are computed by its callers (the Agent
// Invoker's estimateActualCost for recorded usage, BudgetGate.EstimatedCost
// for pre-call estimates); the Ledger only records actual usage. Appends
// are single-writer-serialized by writeMu rather than relying on the
// backing store's own connection pooling.
type CostLedger struct {
	store   Store
	metrics Metrics

	writeMu sync.Mutex

	cacheMu  sync.Mutex
	cache    map[string]cachedSnapshot
	cacheTTL time.Duration
}

type cachedSnapshot struct {
	snap    BudgetSnapshot
	expires time.Time
}

// CostLedgerOption configures a CostLedger.
type CostLedgerOption func(*CostLedger)

func WithLedgerMetrics(m Metrics) CostLedgerOption {
	return func(l *CostLedger) { l.metrics = m }
}

// NewCostLedger constructs a CostLedger over the given Store, with a small
// TTL cache for recently-queried Snapshot windows. Entries for a project
// are invalidated on every Record, so a cached snapshot never hides a
// completed write.
func NewCostLedger(store Store, opts ...CostLedgerOption) *CostLedger {
	l := &CostLedger{store: store, metrics: NewNoopMetrics(), cache: make(map[string]cachedSnapshot), cacheTTL: 2 * time.Second}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends exactly one CostEvent for a successful invocation.
func (l *CostLedger) Record(ctx context.Context, ev CostEvent) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.store.AppendCostEvent(ctx, ev); err != nil {
		return err
	}
	l.metrics.AddCost(ctx, ev.CostUSD)
	l.invalidate(ev.ProjectID)
	return nil
}

// invalidate drops cached snapshots for exactly projectID. Keys are
// "project|task", so matching up to the separator keeps a write for "acme"
// from evicting "acme-staging".
func (l *CostLedger) invalidate(projectID string) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	prefix := projectID + "|"
	for k := range l.cache {
		if strings.HasPrefix(k, prefix) {
			delete(l.cache, k)
		}
	}
}

// Snapshot recomputes spend_daily/spend_monthly/spend_task from the log.
// taskRequestID, if non-empty, scopes spend_task to that one request;
// otherwise spend_task is left at zero (callers evaluating a new request
// have no task spend yet; the Budget Gate uses the estimate for that
// tier instead).
func (l *CostLedger) Snapshot(ctx context.Context, projectID, taskRequestID string) BudgetSnapshot {
	key := projectID + "|" + taskRequestID
	l.cacheMu.Lock()
	if c, ok := l.cache[key]; ok && time.Now().Before(c.expires) {
		l.cacheMu.Unlock()
		return c.snap
	}
	l.cacheMu.Unlock()

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Unix()

	monthlyEvents, err := l.store.QueryCostEvents(ctx, monthStart, projectID, "")
	if err != nil {
		return BudgetSnapshot{}
	}

	var snap BudgetSnapshot
	for _, ev := range monthlyEvents {
		snap.SpendMonthly += ev.CostUSD
		if ev.Timestamp >= dayStart {
			snap.SpendDaily += ev.CostUSD
		}
		if taskRequestID != "" && ev.RequestID == taskRequestID {
			snap.SpendTask += ev.CostUSD
		}
	}

	l.cacheMu.Lock()
	l.cache[key] = cachedSnapshot{snap: snap, expires: time.Now().Add(l.cacheTTL)}
	l.cacheMu.Unlock()
	return snap
}

// Query returns raw events in [sinceUnix, now], optionally filtered.
func (l *CostLedger) Query(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]CostEvent, error) {
	return l.store.QueryCostEvents(ctx, sinceUnix, projectID, agentID)
}

var _ CostLedgerReader = (*CostLedger)(nil)
