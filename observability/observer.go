// Package observability provides OTEL-based observability for the
// gatekeeper control plane: traces for dispatch/invoke/workflow
// operations, metrics for gate outcomes, breaker trips, and cost, and
// structured logs. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	gklog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/kestrel-labs/gatekeeper/observability"

// Instruments holds all OTEL instruments recorded by the dispatcher and
// its gates, breaker, retry executor, invoker, ledger, and workflow
// engine, reached through the gatekeeper.Metrics adapter NewMetrics
// returns. Every counter and histogram is built once at startup; cost
// itself is computed by the Agent Invoker, recorded through the Cost
// Ledger, and only totalled here.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger gklog.Logger

	// Counters
	Requests       metric.Int64Counter
	GateRejections metric.Int64Counter
	BreakerTrips   metric.Int64Counter
	RetryAttempts  metric.Int64Counter
	Alerts         metric.Int64Counter
	CostTotal      metric.Float64Counter

	// Histograms
	InvokeDuration   metric.Float64Histogram
	WorkflowDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("gatekeeper")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	requests, err := meter.Int64Counter("gatekeeper.requests",
		metric.WithDescription("Dispatched request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	gateRejections, err := meter.Int64Counter("gatekeeper.gate.rejections",
		metric.WithDescription("Budget/Quota gate rejection count"),
		metric.WithUnit("{rejection}"))
	if err != nil {
		return nil, err
	}

	breakerTrips, err := meter.Int64Counter("gatekeeper.breaker.trips",
		metric.WithDescription("Circuit breaker OPEN transitions"),
		metric.WithUnit("{trip}"))
	if err != nil {
		return nil, err
	}

	retryAttempts, err := meter.Int64Counter("gatekeeper.retry.attempts",
		metric.WithDescription("Retry Executor attempt count"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	alerts, err := meter.Int64Counter("gatekeeper.alerts",
		metric.WithDescription("Alerts appended to the durable log"),
		metric.WithUnit("{alert}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("gatekeeper.cost.total",
		metric.WithDescription("Cumulative recorded cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	invokeDuration, err := meter.Float64Histogram("gatekeeper.invoke.duration",
		metric.WithDescription("Agent Invoker call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	workflowDuration, err := meter.Float64Histogram("gatekeeper.workflow.duration",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		Requests:         requests,
		GateRejections:   gateRejections,
		BreakerTrips:     breakerTrips,
		RetryAttempts:    retryAttempts,
		Alerts:           alerts,
		CostTotal:        costTotal,
		InvokeDuration:   invokeDuration,
		WorkflowDuration: workflowDuration,
	}, nil
}
