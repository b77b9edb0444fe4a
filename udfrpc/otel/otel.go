// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package udfotel provides OpenTelemetry instrumentation for UDF workers.
// It implements the [udfrpc.DispatchHook] interface to add distributed
// tracing and metrics to call dispatch, and a [udfrpc.MetadataFunc] that
// propagates the caller's trace context.
//
// Usage:
//
//	server := udfrpc.NewServer(coord)
//	udfotel.InstrumentServer(server, udfotel.DefaultConfig())
//
//	client := udfrpc.NewClient(stdout, stdin, nil)
//	client.SetMetadataFunc(udfotel.Propagate(nil))
package udfotel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/vgi-udf/udfrpc"
)

const instrumentationName = "vgi_udf"

// Config configures OpenTelemetry instrumentation for a worker.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from transport metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator    propagation.TextMapPropagator
	EnableTracing bool
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to "vgi-udf-worker".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with tracing, metrics and exception
// recording enabled. Providers are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer attaches OpenTelemetry instrumentation to a worker
// server via [udfrpc.Server.SetDispatchHook].
func InstrumentServer(server *udfrpc.Server, cfg Config) {
	server.SetDispatchHook(NewHook(cfg))
}

// NewHook returns the dispatch hook used by [InstrumentServer].
func NewHook(cfg Config) udfrpc.DispatchHook {
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
		cfg.ServiceName = "vgi-udf-worker"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("udf.server.calls",
			metric.WithUnit("{call}"),
			metric.WithDescription("Number of UDF calls"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("udf.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of UDF calls"),
		)
		hook.tensorBytes, _ = meter.Int64Counter("udf.server.tensor_bytes",
			metric.WithUnit("By"),
			metric.WithDescription("Tensor bytes moved out of band"),
		)
	}
	return hook
}

// Propagate returns a metadata function that injects the trace context of
// the call's ctx. A nil propagator uses otel.GetTextMapPropagator().
func Propagate(p propagation.TextMapPropagator) udfrpc.MetadataFunc {
	return func(ctx context.Context, md map[string]string) {
		prop := p
		if prop == nil {
			prop = otel.GetTextMapPropagator()
		}
		prop.Inject(ctx, propagation.MapCarrier(md))
	}
}

type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	tensorBytes       metric.Int64Counter
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts parent trace context and starts a server span.
func (h *otelHook) OnDispatchStart(ctx context.Context, info udfrpc.DispatchInfo) (context.Context, udfrpc.HookToken) {
	if h.cfg.Propagator != nil && info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "vgi_udf"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.vgi_udf.transport", info.Transport),
		attribute.String("rpc.vgi_udf.server_id", info.ServerID),
	}
	if info.RequestID != "" {
		attrs = append(attrs, attribute.String("rpc.vgi_udf.request_id", info.RequestID))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)
	if v := info.TransportMetadata["remote_addr"]; v != "" {
		attrs = append(attrs, attribute.String("net.peer.ip", v))
	}
	if v := info.TransportMetadata["user_agent"]; v != "" {
		attrs = append(attrs, attribute.String("user_agent.original", v))
	}

	ctx, span := h.tracer.Start(ctx, "vgi_udf/"+info.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records span attributes, metrics, and ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token udfrpc.HookToken, info udfrpc.DispatchInfo, stats *udfrpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "vgi_udf"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.vgi_udf.transport", info.Transport),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
		if h.tensorBytes != nil && stats != nil {
			h.tensorBytes.Add(ctx, stats.TensorBytesIn+stats.TensorBytesOut, metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.vgi_udf.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.vgi_udf.output_bytes", stats.OutputBytes),
			attribute.Int64("rpc.vgi_udf.input_tensors", stats.InputTensors),
			attribute.Int64("rpc.vgi_udf.output_tensors", stats.OutputTensors),
			attribute.Int64("rpc.vgi_udf.tensor_bytes_in", stats.TensorBytesIn),
			attribute.Int64("rpc.vgi_udf.tensor_bytes_out", stats.TensorBytesOut),
			attribute.Int64("rpc.vgi_udf.log_messages", stats.LogMessages),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		st.span.SetAttributes(attribute.String("rpc.vgi_udf.error_type", udfrpc.ErrorType(err)))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
