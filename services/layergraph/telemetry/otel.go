// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the OpenTelemetry instruments and Prometheus
// collectors shared by the layergraph services.
//
// OTel is used for spans and latency histograms around query and traversal
// operations; Init installs the sdk providers and, by default, exports the
// histograms through the Prometheus default registry. Prometheus counters
// cover the sync, merge, prune and backup paths. Handler serves both.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "aleutian.layergraph"

// instruments are bound to one tracer and meter provider. Init swaps in a
// new set; until then the otel globals are used.
type instruments struct {
	tracer trace.Tracer

	queryLatency     metric.Float64Histogram
	queryResults     metric.Int64Histogram
	traversalLatency metric.Float64Histogram
	traversalNodes   metric.Int64Histogram
}

var current atomic.Pointer[instruments]

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(scope)
	inst := &instruments{tracer: tp.Tracer(scope)}
	var err error

	inst.queryLatency, err = meter.Float64Histogram(
		"layergraph_query_duration_seconds",
		metric.WithDescription("Duration of node and edge queries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	inst.queryResults, err = meter.Int64Histogram(
		"layergraph_query_matches",
		metric.WithDescription("Total matches per query before pagination"),
	)
	if err != nil {
		return nil, err
	}

	inst.traversalLatency, err = meter.Float64Histogram(
		"layergraph_traversal_duration_seconds",
		metric.WithDescription("Duration of traversal operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	inst.traversalNodes, err = meter.Int64Histogram(
		"layergraph_traversal_nodes",
		metric.WithDescription("Nodes returned per traversal"),
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// load returns the active instruments, binding them to the otel globals on
// first use. Nil means instrument creation failed.
func load() *instruments {
	if inst := current.Load(); inst != nil {
		return inst
	}
	inst, err := newInstruments(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		return nil
	}
	current.CompareAndSwap(nil, inst)
	return current.Load()
}

// StartSpan starts a span under the layergraph tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if inst := load(); inst != nil {
		return inst.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordQuery records latency and match count for one query.
func RecordQuery(ctx context.Context, op, layer string, duration time.Duration, totalMatches int, success bool) {
	inst := load()
	if inst == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("layer", layer),
		attribute.Bool("success", success),
	)
	inst.queryLatency.Record(ctx, duration.Seconds(), attrs)
	if success {
		inst.queryResults.Record(ctx, int64(totalMatches), attrs)
	}
}

// RecordTraversal records latency and result size for one traversal.
func RecordTraversal(ctx context.Context, op, layer string, duration time.Duration, nodeCount int, success bool) {
	inst := load()
	if inst == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("layer", layer),
		attribute.Bool("success", success),
	)
	inst.traversalLatency.Record(ctx, duration.Seconds(), attrs)
	if success {
		inst.traversalNodes.Record(ctx, int64(nodeCount), attrs)
	}
}
