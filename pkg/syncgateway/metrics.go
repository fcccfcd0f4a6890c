package syncgateway

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"

	"github.com/d-mooers/ponder/pkg/metrics"
)

type gatewayMetrics struct {
	checkpointTimestamp atomic.Int64
	finalityTimestamp   atomic.Int64
}

func (g *Gateway) initMetrics() error {
	meter := global.MeterProvider().Meter("ponder")

	mCheckpoint, err := meter.Int64ObservableGauge(
		"ponder.gateway.checkpoint.timestamp",
		instrument.WithDescription("Block timestamp of the last emitted global checkpoint"),
	)
	if err != nil {
		return fmt.Errorf("creating checkpoint gauge: %s", err)
	}
	mFinality, err := meter.Int64ObservableGauge(
		"ponder.gateway.finality.checkpoint.timestamp",
		instrument.WithDescription("Block timestamp of the last emitted global finality checkpoint"),
	)
	if err != nil {
		return fmt.Errorf("creating finality gauge: %s", err)
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(mCheckpoint, g.metrics.checkpointTimestamp.Load(), metrics.BaseAttrs...)
			o.ObserveInt64(mFinality, g.metrics.finalityTimestamp.Load(), metrics.BaseAttrs...)
			return nil
		},
		[]instrument.Asynchronous{
			mCheckpoint,
			mFinality,
		}...,
	)
	if err != nil {
		return fmt.Errorf("registering callback: %s", err)
	}
	return nil
}
