// Package telemetry sets up file-backed structured logging, tracing and
// metrics. Nothing is written to stdout; the terminal belongs to the REPL.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName names the tracer, the meter and the OTel resource
const ServiceName = "localchat"

// MetricInterval is how often metrics are flushed to their file
var MetricInterval = 10 * time.Second

func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger installs a JSON slog logger writing to <logDir>/localchat.log
// as the default logger. The returned closer releases the log file.
func InitLogger(logDir string, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	file := rotatingFile(logDir, ServiceName+".log")
	logger := slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName)
	slog.SetDefault(logger)
	return logger, file, nil
}

// InitPromptLog opens <logDir>/localchat_prompts.log, which records every
// prompt sent to the backend. It is kept apart from the service log.
func InitPromptLog(logDir string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	file := rotatingFile(logDir, ServiceName+"_prompts.log")
	return slog.New(slog.NewJSONHandler(file, nil)), file, nil
}

// Providers owns the SDK providers and their output files.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tp    *sdktrace.TracerProvider
	mp    *sdkmetric.MeterProvider
	files []io.Closer
}

// Shutdown flushes pending spans and metrics and closes the files.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	for _, f := range p.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newTracerProvider(res *resource.Resource, w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(res *resource.Resource, w io.Writer) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(MetricInterval))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}

// InitTelemetry registers global trace and meter providers exporting to
// <logDir>/localchat_traces.log and <logDir>/localchat_metrics.log.
func InitTelemetry(ctx context.Context, logDir string) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	traceFile := rotatingFile(logDir, ServiceName+"_traces.log")
	tp, err := newTracerProvider(res, traceFile)
	if err != nil {
		return nil, err
	}

	metricsFile := rotatingFile(logDir, ServiceName+"_metrics.log")
	mp, err := newMeterProvider(res, metricsFile)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{
		Tracer: tp.Tracer(ServiceName),
		Meter:  mp.Meter(ServiceName),
		tp:     tp,
		mp:     mp,
		files:  []io.Closer{traceFile, metricsFile},
	}, nil
}
