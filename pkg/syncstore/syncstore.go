// Package syncstore defines durable, idempotent storage of raw EVM chain
// data, interval bookkeeping over filter fragments, and ordered delivery of
// decoded event pages.
package syncstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/intervals"
)

// ErrNotFound reports a missing row on point lookups.
var ErrNotFound = errors.New("not found")

// ErrNonRetryable marks failures that must not be retried by the store's
// retry envelope nor by the task executor. Wrap with NonRetryable and test
// with errors.Is.
var ErrNonRetryable = errors.New("non-retryable")

// NonRetryable wraps err so errors.Is(err, ErrNonRetryable) holds.
func NonRetryable(err error) error {
	return fmt.Errorf("%w: %s", ErrNonRetryable, err)
}

// Block is an RPC-shaped block row. Rows are unique by (ChainID, Hash).
type Block struct {
	ChainID       uint64
	Hash          common.Hash
	ParentHash    common.Hash
	Number        uint64
	Timestamp     uint64
	Miner         common.Address
	GasLimit      uint64
	GasUsed       uint64
	BaseFeePerGas *big.Int
	Size          uint64
}

// Transaction is an RPC-shaped transaction row unique by (ChainID, Hash).
type Transaction struct {
	ChainID          uint64
	Hash             common.Hash
	BlockHash        common.Hash
	BlockNumber      uint64
	TransactionIndex uint32
	From             common.Address
	To               *common.Address
	Value            *big.Int
	Gas              uint64
	GasPrice         *big.Int
	Input            []byte
	Nonce            uint64
}

// Log is a log row. ID is the synthetic key derived from
// (ChainID, BlockHash, LogIndex).
type Log struct {
	ID               string
	ChainID          uint64
	BlockHash        common.Hash
	BlockNumber      uint64
	LogIndex         uint32
	TransactionHash  common.Hash
	TransactionIndex uint32
	Address          common.Address
	Data             []byte
	Topics           []common.Hash
}

// LogID builds the synthetic log row key.
func LogID(chainID uint64, blockHash common.Hash, logIndex uint32) string {
	return fmt.Sprintf("%d-%s-%d", chainID, blockHash.Hex(), logIndex)
}

// LogFromGeth converts a go-ethereum log into a row.
func LogFromGeth(chainID uint64, l types.Log) Log {
	return Log{
		ID:               LogID(chainID, l.BlockHash, uint32(l.Index)),
		ChainID:          chainID,
		BlockHash:        l.BlockHash,
		BlockNumber:      l.BlockNumber,
		LogIndex:         uint32(l.Index),
		TransactionHash:  l.TxHash,
		TransactionIndex: uint32(l.TxIndex),
		Address:          l.Address,
		Data:             l.Data,
		Topics:           l.Topics,
	}
}

// Checkpoint returns the log's position in the global event order, given its
// block's timestamp.
func (l Log) Checkpoint(blockTimestamp uint64) checkpoints.Checkpoint {
	return checkpoints.New(blockTimestamp, l.ChainID, l.BlockNumber, l.LogIndex)
}

// LogEvent is a log joined with its block and transaction rows.
type LogEvent struct {
	Log         Log
	Block       Block
	Transaction Transaction
	Checkpoint  checkpoints.Checkpoint
}

// LogFilterCriteria selects events for one plain log filter source.
type LogFilterCriteria struct {
	Name          string
	ChainID       uint64
	Filter        eventfilter.LogFilter
	EventSelector common.Hash
}

// FactoryCriteria selects events emitted by the children of a factory.
type FactoryCriteria struct {
	Name          string
	ChainID       uint64
	Factory       eventfilter.Factory
	EventSelector common.Hash
}

// GetLogEventsParams bounds an ordered event page query. Events returned
// satisfy FromCheckpoint < e.Checkpoint <= ToCheckpoint and match at least
// one criterion with topic0 equal to that criterion's event selector.
type GetLogEventsParams struct {
	FromCheckpoint checkpoints.Checkpoint
	ToCheckpoint   checkpoints.Checkpoint
	Limit          int
	LogFilters     []LogFilterCriteria
	Factories      []FactoryCriteria
}

// LogEventsPage is one page of ordered events.
type LogEventsPage struct {
	Events      []LogEvent
	HasNextPage bool
	// LastCheckpointInPage is the checkpoint of the last returned event.
	// Only meaningful when Events is non-empty.
	LastCheckpointInPage checkpoints.Checkpoint
	// LastCheckpoint is the checkpoint of the newest matching event in the
	// whole (from, to] window, regardless of Limit. Nil when the window holds
	// no matching events.
	LastCheckpoint *checkpoints.Checkpoint
}

// FunctionMetadata is a persisted progress row for one indexing function.
type FunctionMetadata struct {
	FunctionID     string
	FunctionName   string
	FromCheckpoint checkpoints.Checkpoint
	ToCheckpoint   checkpoints.Checkpoint
	EventCount     int64
}

// SyncStore is the storage surface shared by the historical and realtime
// collectors and the indexing scheduler. Every write is idempotent; the
// instrumented decorator in this package adds the retry envelope.
type SyncStore interface {
	// InsertLogFilterInterval atomically upserts the block, transactions and
	// logs of one completed historical range and appends the interval to every
	// fragment of the filter.
	InsertLogFilterInterval(
		ctx context.Context,
		chainID uint64,
		filter eventfilter.LogFilter,
		block Block,
		transactions []Transaction,
		logs []Log,
		interval intervals.Interval,
	) error

	// GetLogFilterIntervals compacts each fragment's interval rows and returns
	// the filter's synced ranges: the intersection of its fragments' unions.
	GetLogFilterIntervals(ctx context.Context, chainID uint64, filter eventfilter.LogFilter) ([]intervals.Interval, error)

	// InsertFactoryLogFilterInterval is InsertLogFilterInterval over factory
	// fragments.
	InsertFactoryLogFilterInterval(
		ctx context.Context,
		chainID uint64,
		factory eventfilter.Factory,
		block Block,
		transactions []Transaction,
		logs []Log,
		interval intervals.Interval,
	) error

	// GetFactoryLogFilterIntervals is GetLogFilterIntervals over factory
	// fragments.
	GetFactoryLogFilterIntervals(ctx context.Context, chainID uint64, factory eventfilter.Factory) ([]intervals.Interval, error)

	// InsertFactoryChildAddressLogs bulk-inserts factory announcement logs.
	InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, logs []Log) error

	// GetFactoryChildAddresses pages through the addresses announced by the
	// factory up to and including upToBlockNumber, in ascending block order,
	// invoking fn with batches of at most pageSize addresses. Iteration stops
	// at the first fn error.
	GetFactoryChildAddresses(
		ctx context.Context,
		chainID uint64,
		factory eventfilter.Factory,
		upToBlockNumber uint64,
		pageSize int,
		fn func(batch []common.Address) error,
	) error

	// InsertRealtimeBlock upserts a realtime block with its transactions and
	// logs. Interval rows are only written at finality via
	// InsertRealtimeInterval.
	InsertRealtimeBlock(ctx context.Context, chainID uint64, block Block, transactions []Transaction, logs []Log) error

	// InsertRealtimeInterval appends the finalized interval to every fragment
	// of the given filters and factories.
	InsertRealtimeInterval(
		ctx context.Context,
		chainID uint64,
		filters []eventfilter.LogFilter,
		factories []eventfilter.Factory,
		interval intervals.Interval,
	) error

	// DeleteRealtimeData removes blocks, transactions, logs and cached RPC
	// results above fromBlock and clamps interval rows to fromBlock.
	DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlock uint64) error

	// InsertRpcRequestResult caches a deterministic RPC read.
	InsertRpcRequestResult(ctx context.Context, chainID uint64, blockNumber uint64, request string, result string) error

	// GetRpcRequestResult returns a cached RPC read or ErrNotFound.
	GetRpcRequestResult(ctx context.Context, chainID uint64, blockNumber uint64, request string) (string, error)

	// GetLogEvents returns up to Limit ordered events in (from, to] plus
	// pagination and caching metadata.
	GetLogEvents(ctx context.Context, params GetLogEventsParams) (LogEventsPage, error)

	// InsertFunctionMetadata replaces the progress rows for the given
	// functions.
	InsertFunctionMetadata(ctx context.Context, rows []FunctionMetadata) error

	// GetFunctionMetadata returns all persisted progress rows.
	GetFunctionMetadata(ctx context.Context) ([]FunctionMetadata, error)

	Close() error
}
