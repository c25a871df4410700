package gatekeeper

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// QuotaGateConfig bounds queue depth and per-project/per-agent concurrency.
type QuotaGateConfig struct {
	MaxQueueSize            int
	PerProjectConcurrentMax int
	PerAgentConcurrentMax   int
}

func defaultQuotaConfig() QuotaGateConfig {
	return QuotaGateConfig{MaxQueueSize: 1000, PerProjectConcurrentMax: 50, PerAgentConcurrentMax: 20}
}

// QuotaGate enforces concurrency/queueing limits independent of cost.
// Admission is non-blocking: a violation rejects immediately rather than
// waiting for capacity.
type QuotaGate struct {
	cfg     QuotaGateConfig
	metrics Metrics

	mu            sync.Mutex
	pending       int
	projectActive map[string]int
	agentActive   map[string]int

	// rejectLog throttles the queue-depth-exceeded narrative log line to
	// once every ten seconds so a sustained overload doesn't flood stderr.
	rejectLog rate.Sometimes
}

// QuotaGateOption configures a QuotaGate.
type QuotaGateOption func(*QuotaGate)

func WithQuotaMetrics(m Metrics) QuotaGateOption {
	return func(q *QuotaGate) { q.metrics = m }
}

// NewQuotaGate constructs a QuotaGate. Zero-value fields in cfg fall back
// to the documented defaults.
func NewQuotaGate(cfg QuotaGateConfig, opts ...QuotaGateOption) *QuotaGate {
	d := defaultQuotaConfig()
	if cfg.MaxQueueSize > 0 {
		d.MaxQueueSize = cfg.MaxQueueSize
	}
	if cfg.PerProjectConcurrentMax > 0 {
		d.PerProjectConcurrentMax = cfg.PerProjectConcurrentMax
	}
	if cfg.PerAgentConcurrentMax > 0 {
		d.PerAgentConcurrentMax = cfg.PerAgentConcurrentMax
	}
	q := &QuotaGate{
		cfg:           d,
		metrics:       NewNoopMetrics(),
		projectActive: make(map[string]int),
		agentActive:   make(map[string]int),
		rejectLog:     rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Lease is returned by a successful TryAdmit and must be released exactly
// once via Release when the request finishes (success or failure).
type Lease struct {
	gate      *QuotaGate
	projectID string
	agentID   string
	released  bool
	mu        sync.Mutex
}

// TryAdmit checks all three quota checks in order and either returns a
// Lease (admission reserved) or a *GateError describing which check failed.
// agentID may be empty when the caller has not yet routed (e.g. at
// queue-admission time before the Router runs); in that case the
// per-agent check is skipped and must be re-checked once routed.
func (q *QuotaGate) TryAdmit(projectID, agentID string) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending >= q.cfg.MaxQueueSize {
		q.rejectLog.Do(func() {
			log.Printf(" [quota] stage=queue pending=%d max=%d", q.pending, q.cfg.MaxQueueSize)
		})
		q.metrics.IncGateRejection(context.Background(), "queue")
		return nil, &GateError{Kind: KindQuotaReject, Gate: "queue", Detail: "queue depth exceeded",
			CurrentSpend: float64(q.pending), Limit: float64(q.cfg.MaxQueueSize)}
	}
	if q.projectActive[projectID] >= q.cfg.PerProjectConcurrentMax {
		q.metrics.IncGateRejection(context.Background(), "project_concurrency")
		return nil, &GateError{Kind: KindQuotaReject, Gate: "project_concurrency", Detail: "project concurrency limit exceeded",
			CurrentSpend: float64(q.projectActive[projectID]), Limit: float64(q.cfg.PerProjectConcurrentMax)}
	}
	if agentID != "" && q.agentActive[agentID] >= q.cfg.PerAgentConcurrentMax {
		q.metrics.IncGateRejection(context.Background(), "agent_concurrency")
		return nil, &GateError{Kind: KindQuotaReject, Gate: "agent_concurrency", Detail: "agent concurrency limit exceeded",
			CurrentSpend: float64(q.agentActive[agentID]), Limit: float64(q.cfg.PerAgentConcurrentMax)}
	}

	q.pending++
	q.projectActive[projectID]++
	if agentID != "" {
		q.agentActive[agentID]++
	}
	return &Lease{gate: q, projectID: projectID, agentID: agentID}, nil
}

// QuotaStatus is the operator-facing view of one project's current
// concurrency usage against its configured limits.
type QuotaStatus struct {
	ProjectID            string `json:"project_id"`
	QueuePending         int    `json:"queue_pending"`
	QueueMax             int    `json:"queue_max"`
	ProjectActive        int    `json:"project_active"`
	ProjectConcurrentMax int    `json:"project_concurrent_max"`
}

// Status returns projectID's current admission counters.
func (q *QuotaGate) Status(projectID string) QuotaStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QuotaStatus{
		ProjectID:            projectID,
		QueuePending:         q.pending,
		QueueMax:             q.cfg.MaxQueueSize,
		ProjectActive:        q.projectActive[projectID],
		ProjectConcurrentMax: q.cfg.PerProjectConcurrentMax,
	}
}

// Release returns the admitted slot. Idempotent: a second call is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	g := l.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending--
	if g.projectActive[l.projectID] > 0 {
		g.projectActive[l.projectID]--
	}
	if l.agentID != "" && g.agentActive[l.agentID] > 0 {
		g.agentActive[l.agentID]--
	}
}
