// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package udfotel instruments a [wasmudf.Bridge] with OpenTelemetry. Every
// call, whether it arrives from a wasm guest, an Arrow batch or HTTP, gets a
// server span and is counted in the udf.calls, udf.rows and
// udf.call.duration instruments.
//
//	bridge := wasmudf.NewBridge(registry)
//	udfotel.InstrumentBridge(bridge, udfotel.DefaultConfig())
package udfotel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Query-farm/wasm-udf/wasmudf"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "wasm_udf"
	defaultServiceName  = "GoWasmUdfBridge"
)

// Config selects providers and what gets recorded. Nil providers fall back
// to the global ones registered with the otel package.
type Config struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// Propagator reads traceparent and tracestate from the transport
	// metadata of HTTP calls.
	Propagator propagation.TextMapPropagator

	EnableTracing bool
	EnableMetrics bool
	// RecordExceptions adds an exception event to the span of a failed call.
	RecordExceptions bool

	// ServiceName is reported as udf.service. Defaults to "GoWasmUdfBridge".
	ServiceName string
	// CustomAttributes are attached to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig enables tracing, metrics and exception events against the
// global providers.
func DefaultConfig() Config {
	return Config{EnableTracing: true, EnableMetrics: true, RecordExceptions: true}
}

func (c Config) withDefaults() Config {
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.MeterProvider == nil {
		c.MeterProvider = otel.GetMeterProvider()
	}
	if c.Propagator == nil {
		c.Propagator = otel.GetTextMapPropagator()
	}
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	return c
}

// InstrumentBridge installs the hook on bridge, replacing any hook set
// earlier with SetDispatchHook.
func InstrumentBridge(bridge *wasmudf.Bridge, cfg Config) {
	cfg = cfg.withDefaults()
	h := &hook{cfg: cfg, tracer: cfg.TracerProvider.Tracer(instrumentationName)}
	if cfg.EnableMetrics {
		h.newInstruments(cfg.MeterProvider.Meter(instrumentationName))
	}
	bridge.SetDispatchHook(h)
}

type hook struct {
	cfg    Config
	tracer trace.Tracer

	calls    metric.Int64Counter
	rows     metric.Int64Counter
	duration metric.Float64Histogram
}

// newInstruments creates the meters. An instrument that fails to register
// stays nil and is skipped.
func (h *hook) newInstruments(m metric.Meter) {
	h.calls, _ = m.Int64Counter("udf.calls",
		metric.WithUnit("{call}"),
		metric.WithDescription("Scalar UDF calls, by function and outcome"))
	h.rows, _ = m.Int64Counter("udf.rows",
		metric.WithUnit("{row}"),
		metric.WithDescription("Rows evaluated by scalar UDFs"))
	h.duration, _ = m.Float64Histogram("udf.call.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of a scalar UDF call"))
}

type callToken struct {
	span  trace.Span
	start time.Time
}

func functionLabel(info wasmudf.DispatchInfo) string {
	if info.FunctionName != "" {
		return info.FunctionName
	}
	return "udf_" + strconv.FormatUint(uint64(info.FunctionID), 10)
}

func (h *hook) OnDispatchStart(ctx context.Context, info wasmudf.DispatchInfo) (context.Context, wasmudf.HookToken) {
	// only HTTP calls carry metadata
	if len(info.TransportMetadata) > 0 {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}
	tok := &callToken{start: time.Now()}
	if !h.cfg.EnableTracing {
		return ctx, tok
	}

	label := functionLabel(info)
	attrs := append([]attribute.KeyValue{
		attribute.String("udf.system", instrumentationName),
		attribute.String("udf.service", h.cfg.ServiceName),
		attribute.Int64("udf.function_id", int64(info.FunctionID)),
		attribute.String("udf.function", label),
		attribute.String("udf.call_id", info.CallID),
		attribute.String("udf.transport", info.Transport),
	}, h.cfg.CustomAttributes...)
	if addr := info.TransportMetadata["remote_addr"]; addr != "" {
		attrs = append(attrs, attribute.String("net.peer.ip", addr))
	}
	if ua := info.TransportMetadata["user_agent"]; ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}

	ctx, tok.span = h.tracer.Start(ctx, "wasm_udf/"+label,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	return ctx, tok
}

func (h *hook) OnDispatchEnd(ctx context.Context, token wasmudf.HookToken, info wasmudf.DispatchInfo, stats *wasmudf.CallStatistics, err error) {
	tok, ok := token.(*callToken)
	if !ok {
		return
	}
	elapsed := time.Since(tok.start)

	if h.cfg.EnableMetrics {
		h.record(ctx, info, stats, err, elapsed)
	}
	if tok.span == nil || !tok.span.IsRecording() {
		return
	}
	defer tok.span.End()

	if stats != nil {
		tok.span.SetAttributes(
			attribute.Int64("udf.batches", stats.Batches),
			attribute.Int64("udf.rows", stats.Rows),
			attribute.Int64("udf.argument_bytes", stats.ArgumentBytes),
			attribute.Int64("udf.result_bytes", stats.ResultBytes),
			attribute.Int64("udf.allocations", stats.Allocations),
			attribute.Int64("udf.null_results", stats.NullResults),
		)
	}
	if err == nil {
		tok.span.SetStatus(codes.Ok, "")
		return
	}
	tok.span.SetStatus(codes.Error, err.Error())
	tok.span.SetAttributes(attribute.String("udf.error_kind", errorKind(err)))
	if h.cfg.RecordExceptions {
		tok.span.RecordError(err)
	}
}

func (h *hook) record(ctx context.Context, info wasmudf.DispatchInfo, stats *wasmudf.CallStatistics, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	opt := metric.WithAttributes(
		attribute.String("udf.system", instrumentationName),
		attribute.String("udf.service", h.cfg.ServiceName),
		attribute.String("udf.function", functionLabel(info)),
		attribute.String("udf.transport", info.Transport),
		attribute.String("status", status),
	)
	if h.calls != nil {
		h.calls.Add(ctx, 1, opt)
	}
	if h.rows != nil && stats != nil {
		h.rows.Add(ctx, stats.Rows, opt)
	}
	if h.duration != nil {
		h.duration.Record(ctx, elapsed.Seconds(), opt)
	}
}

// errorKind names the failure: the BridgeError kind, or the Go type of any
// other error.
func errorKind(err error) string {
	var be *wasmudf.BridgeError
	if errors.As(err, &be) {
		return string(be.Kind)
	}
	return fmt.Sprintf("%T", err)
}
