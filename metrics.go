package gatekeeper

import "context"

// Metrics is the counter/histogram surface the control-plane components
// record into: requests dispatched, gate rejections, breaker trips, retry
// attempts, alerts, cost, and call/workflow durations. The observability
// package provides an OTEL-backed implementation; the no-op default keeps
// components decoupled from any concrete metrics backend, the same split
// Tracer uses.
type Metrics interface {
	IncRequests(ctx context.Context)
	IncGateRejection(ctx context.Context, gate string)
	IncBreakerTrip(ctx context.Context, agentID string)
	IncRetryAttempt(ctx context.Context, target string)
	IncAlert(ctx context.Context)
	AddCost(ctx context.Context, usd float64)
	RecordInvokeDuration(ctx context.Context, agentID string, millis float64)
	RecordWorkflowDuration(ctx context.Context, definitionID string, millis float64)
}

type noopMetrics struct{}

// NewNoopMetrics returns a Metrics whose methods do nothing. Used when no
// metrics backend is configured.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) IncRequests(context.Context)                             {}
func (noopMetrics) IncGateRejection(context.Context, string)                {}
func (noopMetrics) IncBreakerTrip(context.Context, string)                  {}
func (noopMetrics) IncRetryAttempt(context.Context, string)                 {}
func (noopMetrics) IncAlert(context.Context)                                {}
func (noopMetrics) AddCost(context.Context, float64)                        {}
func (noopMetrics) RecordInvokeDuration(context.Context, string, float64)   {}
func (noopMetrics) RecordWorkflowDuration(context.Context, string, float64) {}
