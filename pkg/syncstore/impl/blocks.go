package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/d-mooers/ponder/pkg/syncstore"
)

// All data-table writes are insert-or-ignore on the primary key so the
// historical and realtime paths stay idempotent.

func upsertBlock(ctx context.Context, tx *sql.Tx, b syncstore.Block) error {
	baseFee, err := encodeNullableInt256(b.BaseFeePerGas)
	if err != nil {
		return fmt.Errorf("encoding base fee: %s", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (chain_id, hash, parent_hash, number, timestamp, miner, gas_limit, gas_used, base_fee_per_gas, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, hash) DO NOTHING`,
		int64(b.ChainID), encodeHash(b.Hash), encodeHash(b.ParentHash), int64(b.Number), int64(b.Timestamp),
		encodeAddress(b.Miner), int64(b.GasLimit), int64(b.GasUsed), baseFee, int64(b.Size),
	)
	if err != nil {
		return fmt.Errorf("inserting block %s: %s", b.Hash, err)
	}
	return nil
}

func upsertTransactions(ctx context.Context, tx *sql.Tx, txns []syncstore.Transaction) error {
	for _, t := range txns {
		value, err := encodeNullableInt256(t.Value)
		if err != nil {
			return fmt.Errorf("encoding txn value: %s", err)
		}
		gasPrice, err := encodeNullableInt256(t.GasPrice)
		if err != nil {
			return fmt.Errorf("encoding txn gas price: %s", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (chain_id, hash, block_hash, block_number, tx_index, from_address, to_address, value, gas, gas_price, input, nonce)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (chain_id, hash) DO NOTHING`,
			int64(t.ChainID), encodeHash(t.Hash), encodeHash(t.BlockHash), int64(t.BlockNumber), int64(t.TransactionIndex),
			encodeAddress(t.From), encodeNullableAddress(t.To), value, int64(t.Gas), gasPrice,
			encodeBytes(t.Input), int64(t.Nonce),
		)
		if err != nil {
			return fmt.Errorf("inserting transaction %s: %s", t.Hash, err)
		}
	}
	return nil
}

func upsertLogs(ctx context.Context, tx *sql.Tx, logs []syncstore.Log) error {
	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = syncstore.LogID(l.ChainID, l.BlockHash, l.LogIndex)
		}
		topics := topicColumns(l.Topics)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO logs (id, chain_id, block_hash, block_number, log_index, transaction_hash, transaction_index, address, data, topic0, topic1, topic2, topic3)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			id, int64(l.ChainID), encodeHash(l.BlockHash), int64(l.BlockNumber), int64(l.LogIndex),
			encodeHash(l.TransactionHash), int64(l.TransactionIndex), encodeAddress(l.Address), encodeBytes(l.Data),
			topics[0], topics[1], topics[2], topics[3],
		)
		if err != nil {
			return fmt.Errorf("inserting log %s: %s", id, err)
		}
	}
	return nil
}

// InsertRealtimeBlock upserts a realtime block and its transactions and logs.
// Intervals are recorded separately once the range is final.
func (s *Store) InsertRealtimeBlock(
	ctx context.Context,
	chainID uint64,
	block syncstore.Block,
	transactions []syncstore.Transaction,
	logs []syncstore.Log,
) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertBlock(ctx, tx, block); err != nil {
			return err
		}
		if err := upsertTransactions(ctx, tx, transactions); err != nil {
			return err
		}
		return upsertLogs(ctx, tx, logs)
	})
}

// InsertFactoryChildAddressLogs bulk-inserts factory announcement logs.
func (s *Store) InsertFactoryChildAddressLogs(ctx context.Context, chainID uint64, logs []syncstore.Log) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertLogs(ctx, tx, logs)
	})
}

// DeleteRealtimeData removes data rows above fromBlock and clamps interval
// rows: rows starting above fromBlock are deleted, rows straddling it are
// truncated to end at fromBlock.
func (s *Store) DeleteRealtimeData(ctx context.Context, chainID uint64, fromBlock uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []struct {
			query string
			args  []interface{}
		}{
			{`DELETE FROM logs WHERE chain_id = ? AND block_number > ?`, []interface{}{int64(chainID), int64(fromBlock)}},
			{`DELETE FROM transactions WHERE chain_id = ? AND block_number > ?`, []interface{}{int64(chainID), int64(fromBlock)}},
			{`DELETE FROM blocks WHERE chain_id = ? AND number > ?`, []interface{}{int64(chainID), int64(fromBlock)}},
			{`DELETE FROM rpc_request_results WHERE chain_id = ? AND block_number > ?`, []interface{}{int64(chainID), int64(fromBlock)}},
			{`DELETE FROM log_filter_intervals
			  WHERE start_block > ? AND log_filter_id IN (SELECT id FROM log_filters WHERE chain_id = ?)`,
				[]interface{}{int64(fromBlock), int64(chainID)}},
			{`UPDATE log_filter_intervals SET end_block = ?
			  WHERE end_block > ? AND log_filter_id IN (SELECT id FROM log_filters WHERE chain_id = ?)`,
				[]interface{}{int64(fromBlock), int64(fromBlock), int64(chainID)}},
			{`DELETE FROM factory_log_filter_intervals
			  WHERE start_block > ? AND factory_id IN (SELECT id FROM factories WHERE chain_id = ?)`,
				[]interface{}{int64(fromBlock), int64(chainID)}},
			{`UPDATE factory_log_filter_intervals SET end_block = ?
			  WHERE end_block > ? AND factory_id IN (SELECT id FROM factories WHERE chain_id = ?)`,
				[]interface{}{int64(fromBlock), int64(fromBlock), int64(chainID)}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("deleting realtime data: %s", err)
			}
		}
		return nil
	})
}
