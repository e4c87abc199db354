package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type instrumented struct {
	name     string
	next     Completer
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Instrument wraps next with a "<name>_api_call" span and records the call
// duration on the http.client.request.duration histogram.
func Instrument(name string, next Completer, tracer trace.Tracer, meter metric.Meter) Completer {
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		histogram = nil
	}
	return &instrumented{name: name, next: next, tracer: tracer, duration: histogram}
}

func (i *instrumented) Complete(ctx context.Context, turns []Turn) (string, error) {
	ctx, span := i.tracer.Start(ctx, i.name+"_api_call")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", i.name),
		attribute.Int("turns", len(turns)),
	)

	start := time.Now()
	text, err := i.next.Complete(ctx, turns)
	if i.duration != nil {
		i.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("backend", i.name)))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}
