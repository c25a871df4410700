package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/kestrel-labs/gatekeeper"
)

// otelMetrics implements gatekeeper.Metrics on top of the Instruments
// built by Init.
type otelMetrics struct {
	inst *Instruments
}

// NewMetrics returns a gatekeeper.Metrics recording into inst.
func NewMetrics(inst *Instruments) gatekeeper.Metrics {
	return &otelMetrics{inst: inst}
}

func (m *otelMetrics) IncRequests(ctx context.Context) {
	m.inst.Requests.Add(ctx, 1)
}

func (m *otelMetrics) IncGateRejection(ctx context.Context, gate string) {
	m.inst.GateRejections.Add(ctx, 1, metric.WithAttributes(AttrGateName.String(gate)))
}

func (m *otelMetrics) IncBreakerTrip(ctx context.Context, agentID string) {
	m.inst.BreakerTrips.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

func (m *otelMetrics) IncRetryAttempt(ctx context.Context, target string) {
	m.inst.RetryAttempts.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(target)))
}

func (m *otelMetrics) IncAlert(ctx context.Context) {
	m.inst.Alerts.Add(ctx, 1)
}

func (m *otelMetrics) AddCost(ctx context.Context, usd float64) {
	m.inst.CostTotal.Add(ctx, usd)
}

func (m *otelMetrics) RecordInvokeDuration(ctx context.Context, agentID string, millis float64) {
	m.inst.InvokeDuration.Record(ctx, millis, metric.WithAttributes(AttrAgentID.String(agentID)))
}

func (m *otelMetrics) RecordWorkflowDuration(ctx context.Context, definitionID string, millis float64) {
	m.inst.WorkflowDuration.Record(ctx, millis, metric.WithAttributes(AttrWorkflowID.String(definitionID)))
}

var _ gatekeeper.Metrics = (*otelMetrics)(nil)
