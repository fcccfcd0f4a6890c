package scheduler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/unit"
	"go.uber.org/atomic"

	"github.com/d-mooers/ponder/pkg/metrics"
)

type schedulerMetrics struct {
	matchedEvents   instrument.Int64Counter
	processedEvents instrument.Int64Counter
	taskLatency     instrument.Int64Histogram

	hasError           atomic.Int64
	completedTimestamp atomic.Int64
}

func (m *schedulerMetrics) attrs(function string) []attribute.KeyValue {
	out := []attribute.KeyValue{attribute.String("function", function)}
	return append(out, metrics.BaseAttrs...)
}

func (s *Service) initMetrics() error {
	meter := global.MeterProvider().Meter("ponder")

	var err error
	if s.metrics.matchedEvents, err = meter.Int64Counter(
		"ponder.indexing.matched.events",
		instrument.WithDescription("Events matched by a function's filter, including undecodable ones"),
	); err != nil {
		return fmt.Errorf("creating matched events counter: %s", err)
	}
	if s.metrics.processedEvents, err = meter.Int64Counter(
		"ponder.indexing.processed.events",
		instrument.WithDescription("Events whose handler completed"),
	); err != nil {
		return fmt.Errorf("creating processed events counter: %s", err)
	}
	if s.metrics.taskLatency, err = meter.Int64Histogram(
		"ponder.indexing.function.duration",
		instrument.WithUnit(string(unit.Milliseconds)),
	); err != nil {
		return fmt.Errorf("creating task latency histogram: %s", err)
	}

	hasError, err := meter.Int64ObservableGauge(
		"ponder.indexing.has.error",
		instrument.WithDescription("1 while the scheduler is halted on a terminal task failure"),
	)
	if err != nil {
		return fmt.Errorf("creating has error gauge: %s", err)
	}
	completedTimestamp, err := meter.Int64ObservableGauge(
		"ponder.indexing.completed.timestamp",
		instrument.WithDescription("Block timestamp through which every function has processed"),
	)
	if err != nil {
		return fmt.Errorf("creating completed timestamp gauge: %s", err)
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(hasError, s.metrics.hasError.Load(), metrics.BaseAttrs...)
			o.ObserveInt64(completedTimestamp, s.metrics.completedTimestamp.Load(), metrics.BaseAttrs...)
			return nil
		},
		[]instrument.Asynchronous{
			hasError,
			completedTimestamp,
		}...,
	)
	if err != nil {
		return fmt.Errorf("registering callback: %s", err)
	}
	return nil
}
