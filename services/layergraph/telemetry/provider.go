// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// ErrUnknownExporter is returned by Init for an exporter name it does not
// know.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Config selects the OpenTelemetry exporters.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string `yaml:"service_name"`

	// TraceExporter is "none", "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`

	// MetricExporter is "none", "prometheus" or "stdout". The prometheus
	// exporter feeds the same registry Handler serves.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none prometheus stdout"`

	// OTLPEndpoint is the gRPC collector address for the otlp trace exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig exports metrics to Prometheus and drops spans.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "layergraph",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterPrometheus,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
}

// InitOption adjusts Init.
type InitOption func(*initOptions)

type initOptions struct {
	writer     io.Writer
	registerer prometheus.Registerer
	readers    []sdkmetric.Reader
}

// WithExportWriter sets where the stdout exporters write. Defaults to
// os.Stderr so stdio transports keep a clean stdout.
func WithExportWriter(w io.Writer) InitOption {
	return func(o *initOptions) { o.writer = w }
}

// WithRegisterer sets the registry the prometheus exporter registers with.
// Defaults to prometheus.DefaultRegisterer, the one Handler serves.
func WithRegisterer(r prometheus.Registerer) InitOption {
	return func(o *initOptions) { o.registerer = r }
}

// WithMetricReader attaches an extra reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) InitOption {
	return func(o *initOptions) { o.readers = append(o.readers, r) }
}

// Init installs the OpenTelemetry tracer and meter providers.
//
// Description:
//
//	Builds an sdk TracerProvider and MeterProvider from cfg, sets them as
//	the otel globals and rebinds this package's spans and histograms to
//	them. Without Init the instruments fall back to the otel globals,
//	which are no-ops unless something else installed a provider.
//
// Inputs:
//
//	ctx - Used while creating exporters.
//	cfg - Exporter selection. DefaultConfig is a sensible start.
//
// Outputs:
//
//	func(context.Context) error - Flushes and stops the providers. Must be
//	                              called before exit.
//	error - ErrUnknownExporter or an exporter construction failure.
//
// Thread Safety: Call once per process, before serving.
func Init(ctx context.Context, cfg Config, opts ...InitOption) (func(context.Context) error, error) {
	o := initOptions{writer: os.Stderr, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "layergraph"
	}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", name),
	)

	tp, err := newTracerProvider(ctx, cfg, res, o)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	mp, err := newMeterProvider(cfg, res, o)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("init meter: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	inst, err := newInstruments(tp, mp)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("creating instruments: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	current.Store(inst)
	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, o initOptions) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.TraceExporter {
	case ExporterNone, "":
		// A provider without exporters still yields valid span contexts,
		// which otelgin propagates.
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.writer))
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("layergraph")),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: trace exporter %q", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource, o initOptions) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	switch cfg.MetricExporter {
	case ExporterNone, "":
	case ExporterPrometheus:
		exporter, err := promexporter.New(promexporter.WithRegisterer(o.registerer))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(o.writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	default:
		return nil, fmt.Errorf("%w: metric exporter %q", ErrUnknownExporter, cfg.MetricExporter)
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}
