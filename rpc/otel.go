package rpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/semrpc/errors"
)

const instrumentationName = "github.com/c360/semrpc/rpc"

// OtelConfig configures the OpenTelemetry dispatch hook
type OtelConfig struct {
	// TracerProvider defaults to otel.GetTracerProvider()
	TracerProvider trace.TracerProvider
	// MeterProvider defaults to otel.GetMeterProvider()
	MeterProvider metric.MeterProvider
	// Propagator extracts parent trace context from request metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator

	EnableTracing bool
	EnableMetrics bool
	ServiceName   string
}

// DefaultOtelConfig enables tracing and metrics using the global providers
func DefaultOtelConfig() OtelConfig {
	return OtelConfig{
		EnableTracing: true,
		EnableMetrics: true,
		ServiceName:   "semrpc",
	}
}

type otelHook struct {
	cfg      OtelConfig
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

type spanToken struct {
	span  trace.Span
	start time.Time
}

// NewOtelHook creates a hook that opens a server span per call and
// records request count and duration
func NewOtelHook(cfg OtelConfig) Hook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "semrpc"
	}

	h := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requests, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC requests"),
		)
		h.duration, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC requests"),
		)
	}
	return h
}

// OnDispatchStart implements Hook
func (h *otelHook) OnDispatchStart(ctx context.Context, info CallInfo) (context.Context, HookToken) {
	if len(info.Metadata) > 0 {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.Metadata))
	}
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{start: time.Now()}
	}

	ctx, span := h.tracer.Start(ctx, "semrpc/"+info.Procedure,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "semrpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Procedure),
			attribute.String("rpc.transport", info.Transport),
			attribute.Int64("rpc.semrpc.call_id", int64(info.CallID)),
		),
	)
	if info.ConnectionID != "" {
		span.SetAttributes(attribute.String("rpc.semrpc.connection_id", info.ConnectionID))
	}
	return ctx, &spanToken{span: span, start: time.Now()}
}

// OnDispatchEnd implements Hook
func (h *otelHook) OnDispatchEnd(ctx context.Context, token HookToken, info CallInfo, apiErr *errors.APIError) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	status := "OK"
	if apiErr != nil {
		status = string(apiErr.Code)
	}

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.system", "semrpc"),
			attribute.String("rpc.method", info.Procedure),
			attribute.String("rpc.transport", info.Transport),
			attribute.String("status", status),
		)
		if h.requests != nil {
			h.requests.Add(ctx, 1, attrs)
		}
		if h.duration != nil {
			h.duration.Record(ctx, time.Since(st.start).Seconds(), attrs)
		}
	}

	if st.span == nil {
		return
	}
	if apiErr != nil {
		st.span.SetStatus(codes.Error, apiErr.Message)
		st.span.SetAttributes(attribute.String("rpc.semrpc.error_code", string(apiErr.Code)))
		if apiErr.Code == errors.CodeInternal {
			st.span.RecordError(apiErr)
		}
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
