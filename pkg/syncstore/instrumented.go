package syncstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/unit"

	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/intervals"
)

const (
	retryAttempts = 3
	retryBaseWait = time.Millisecond * 100
)

// InstrumentedSyncStore decorates a SyncStore with call metrics and a retry
// envelope: transient failures are retried up to three times with doubling
// backoff, failures wrapped with NonRetryable short-circuit.
type InstrumentedSyncStore struct {
	store            SyncStore
	callCount        instrument.Int64Counter
	latencyHistogram instrument.Int64Histogram
	errorCount       instrument.Int64Counter
}

var _ SyncStore = (*InstrumentedSyncStore)(nil)

// NewInstrumentedSyncStore wraps store with metrics and retries.
func NewInstrumentedSyncStore(store SyncStore) (*InstrumentedSyncStore, error) {
	meter := global.MeterProvider().Meter("ponder")
	callCount, err := meter.Int64Counter("ponder.syncstore.call.count")
	if err != nil {
		return nil, fmt.Errorf("registering call counter: %s", err)
	}
	latencyHistogram, err := meter.Int64Histogram(
		"ponder.syncstore.call.latency",
		instrument.WithUnit(string(unit.Milliseconds)),
	)
	if err != nil {
		return nil, fmt.Errorf("registering latency histogram: %s", err)
	}
	errorCount, err := meter.Int64Counter("ponder.syncstore.call.errors")
	if err != nil {
		return nil, fmt.Errorf("registering error counter: %s", err)
	}

	return &InstrumentedSyncStore{
		store:            store,
		callCount:        callCount,
		latencyHistogram: latencyHistogram,
		errorCount:       errorCount,
	}, nil
}

func (s *InstrumentedSyncStore) exec(ctx context.Context, method string, fn func() error) error {
	start := time.Now()
	err := fn()
	wait := retryBaseWait
	for attempt := 0; attempt < retryAttempts && err != nil; attempt++ {
		if errors.Is(err, ErrNonRetryable) || errors.Is(err, ErrNotFound) {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
		err = fn()
		wait *= 2
	}
	latency := time.Since(start).Milliseconds()

	attributes := []attribute.KeyValue{
		{Key: "method", Value: attribute.StringValue(method)},
		{Key: "success", Value: attribute.BoolValue(err == nil)},
	}
	s.callCount.Add(ctx, 1, attributes...)
	s.latencyHistogram.Record(ctx, latency, attributes...)
	if err != nil {
		s.errorCount.Add(ctx, 1, attributes...)
	}
	return err
}

// InsertLogFilterInterval implements SyncStore.
func (s *InstrumentedSyncStore) InsertLogFilterInterval(
	ctx context.Context,
	chainID uint64,
	filter eventfilter.LogFilter,
	block Block,
	transactions []Transaction,
	logs []Log,
	interval intervals.Interval,
) error {
	return s.exec(ctx, "InsertLogFilterInterval", func() error {
		return s.store.InsertLogFilterInterval(ctx, chainID, filter, block, transactions, logs, interval)
	})
}

// GetLogFilterIntervals implements SyncStore.
func (s *InstrumentedSyncStore) GetLogFilterIntervals(
	ctx context.Context,
	chainID uint64,
	filter eventfilter.LogFilter,
) ([]intervals.Interval, error) {
	var out []intervals.Interval
	err := s.exec(ctx, "GetLogFilterIntervals", func() error {
		var err error
		out, err = s.store.GetLogFilterIntervals(ctx, chainID, filter)
		return err
	})
	return out, err
}

// InsertFactoryLogFilterInterval implements SyncStore.
func (s *InstrumentedSyncStore) InsertFactoryLogFilterInterval(
	ctx context.Context,
	chainID uint64,
	factory eventfilter.Factory,
	block Block,
	transactions []Transaction,
	logs []Log,
	interval intervals.Interval,
) error {
	return s.exec(ctx, "InsertFactoryLogFilterInterval", func() error {
		return s.store.InsertFactoryLogFilterInterval(ctx, chainID, factory, block, transactions, logs, interval)
	})
}

// GetFactoryLogFilterIntervals implements SyncStore.
func (s *InstrumentedSyncStore) GetFactoryLogFilterIntervals(
	ctx context.Context,
	chainID uint64,
	factory eventfilter.Factory,
) ([]intervals.Interval, error) {
	var out []intervals.Interval
	err := s.exec(ctx, "GetFactoryLogFilterIntervals", func() error {
		var err error
		out, err = s.store.GetFactoryLogFilterIntervals(ctx, chainID, factory)
		return err
	})
	return out, err
}

// InsertFactoryChildAddressLogs implements SyncStore.
func (s *InstrumentedSyncStore) InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, logs []Log) error {
	return s.exec(ctx, "InsertFactoryChildAddressLogs", func() error {
		return s.store.InsertFactoryChildAddressLogs(ctx, chainID, logs)
	})
}

// GetFactoryChildAddresses implements SyncStore. The callback may be invoked
// again from the start after a transient failure, so callers must treat
// batches as replayable.
func (s *InstrumentedSyncStore) GetFactoryChildAddresses(
	ctx context.Context,
	chainID uint64,
	factory eventfilter.Factory,
	upToBlockNumber uint64,
	pageSize int,
	fn func(batch []common.Address) error,
) error {
	return s.exec(ctx, "GetFactoryChildAddresses", func() error {
		return s.store.GetFactoryChildAddresses(ctx, chainID, factory, upToBlockNumber, pageSize, fn)
	})
}

// InsertRealtimeBlock implements SyncStore.
func (s *InstrumentedSyncStore) InsertRealtimeBlock(
	ctx context.Context,
	chainID uint64,
	block Block,
	transactions []Transaction,
	logs []Log,
) error {
	return s.exec(ctx, "InsertRealtimeBlock", func() error {
		return s.store.InsertRealtimeBlock(ctx, chainID, block, transactions, logs)
	})
}

// InsertRealtimeInterval implements SyncStore.
func (s *InstrumentedSyncStore) InsertRealtimeInterval(
	ctx context.Context,
	chainID uint64,
	filters []eventfilter.LogFilter,
	factories []eventfilter.Factory,
	interval intervals.Interval,
) error {
	return s.exec(ctx, "InsertRealtimeInterval", func() error {
		return s.store.InsertRealtimeInterval(ctx, chainID, filters, factories, interval)
	})
}

// DeleteRealtimeData implements SyncStore.
func (s *InstrumentedSyncStore) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlock uint64) error {
	return s.exec(ctx, "DeleteRealtimeData", func() error {
		return s.store.DeleteRealtimeData(ctx, chainID, fromBlock)
	})
}

// InsertRpcRequestResult implements SyncStore.
func (s *InstrumentedSyncStore) InsertRpcRequestResult(
	ctx context.Context,
	chainID uint64,
	blockNumber uint64,
	request string,
	result string,
) error {
	return s.exec(ctx, "InsertRpcRequestResult", func() error {
		return s.store.InsertRpcRequestResult(ctx, chainID, blockNumber, request, result)
	})
}

// GetRpcRequestResult implements SyncStore.
func (s *InstrumentedSyncStore) GetRpcRequestResult(
	ctx context.Context,
	chainID uint64,
	blockNumber uint64,
	request string,
) (string, error) {
	var out string
	err := s.exec(ctx, "GetRpcRequestResult", func() error {
		var err error
		out, err = s.store.GetRpcRequestResult(ctx, chainID, blockNumber, request)
		return err
	})
	return out, err
}

// GetLogEvents implements SyncStore.
func (s *InstrumentedSyncStore) GetLogEvents(ctx context.Context, params GetLogEventsParams) (LogEventsPage, error) {
	var out LogEventsPage
	err := s.exec(ctx, "GetLogEvents", func() error {
		var err error
		out, err = s.store.GetLogEvents(ctx, params)
		return err
	})
	return out, err
}

// InsertFunctionMetadata implements SyncStore.
func (s *InstrumentedSyncStore) InsertFunctionMetadata(ctx context.Context, rows []FunctionMetadata) error {
	return s.exec(ctx, "InsertFunctionMetadata", func() error {
		return s.store.InsertFunctionMetadata(ctx, rows)
	})
}

// GetFunctionMetadata implements SyncStore.
func (s *InstrumentedSyncStore) GetFunctionMetadata(ctx context.Context) ([]FunctionMetadata, error) {
	var out []FunctionMetadata
	err := s.exec(ctx, "GetFunctionMetadata", func() error {
		var err error
		out, err = s.store.GetFunctionMetadata(ctx)
		return err
	})
	return out, err
}

// Close implements SyncStore.
func (s *InstrumentedSyncStore) Close() error {
	return s.store.Close()
}
