package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const migrationScopeName = "jira2github/migration"

// RunRecorder instruments a migration run: one span per phase and counters
// for import outcomes. NewRunRecorder returns a no-op recorder when
// telemetry is disabled.
type RunRecorder struct {
	enabled  bool
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	phase    metric.Float64Histogram
}

// NewRunRecorder creates the run instruments.
func NewRunRecorder() *RunRecorder {
	if !Enabled() {
		return &RunRecorder{}
	}
	m := Meter(migrationScopeName)
	outcomes, _ := m.Int64Counter("j2g.import.outcomes",
		metric.WithDescription("Issue import outcomes by class"),
	)
	phase, _ := m.Float64Histogram("j2g.phase.duration",
		metric.WithDescription("Migration phase duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &RunRecorder{
		enabled:  true,
		tracer:   Tracer(migrationScopeName),
		outcomes: outcomes,
		phase:    phase,
	}
}

// Phase runs fn inside a span named for the migration phase and records its
// duration. Errors are attached to the span and returned unchanged.
func (r *RunRecorder) Phase(ctx context.Context, name string, fn func(context.Context) error) error {
	if !r.enabled {
		return fn(ctx)
	}
	attrs := []attribute.KeyValue{attribute.String("j2g.phase", name)}
	ctx, span := r.tracer.Start(ctx, "migration."+name, trace.WithAttributes(attrs...))
	start := time.Now()
	err := fn(ctx)
	r.phase.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	return err
}

// RecordOutcomes adds the run's terminal counts, labelled by outcome class.
func (r *RunRecorder) RecordOutcomes(ctx context.Context, succeeded, failed, skipped int) {
	if !r.enabled {
		return
	}
	add := func(class string, n int) {
		if n > 0 {
			r.outcomes.Add(ctx, int64(n),
				metric.WithAttributes(attribute.String("j2g.outcome", class)))
		}
	}
	add("succeeded", succeeded)
	add("failed", failed)
	add("skipped", skipped)
}
