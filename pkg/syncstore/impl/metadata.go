package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

// InsertRpcRequestResult caches a deterministic RPC read keyed by
// (chainID, blockNumber, request). Re-inserting overwrites, so a retried
// request refreshes its row.
func (s *Store) InsertRpcRequestResult(
	ctx context.Context,
	chainID uint64,
	blockNumber uint64,
	request string,
	result string,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rpc_request_results (chain_id, block_number, request, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain_id, block_number, request) DO UPDATE SET result = excluded.result`,
		int64(chainID), int64(blockNumber), request, result,
	)
	if err != nil {
		return fmt.Errorf("inserting rpc request result: %s", err)
	}
	return nil
}

// GetRpcRequestResult returns a cached RPC read, or ErrNotFound.
func (s *Store) GetRpcRequestResult(
	ctx context.Context,
	chainID uint64,
	blockNumber uint64,
	request string,
) (string, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM rpc_request_results
		WHERE chain_id = ? AND block_number = ? AND request = ?`,
		int64(chainID), int64(blockNumber), request,
	).Scan(&result)
	if err == sql.ErrNoRows {
		return "", syncstore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting rpc request result: %s", err)
	}
	return result, nil
}

// InsertFunctionMetadata replaces the progress rows for the given functions.
func (s *Store) InsertFunctionMetadata(ctx context.Context, rows []syncstore.FunctionMetadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO function_metadata (function_id, function_name, from_checkpoint, to_checkpoint, event_count)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (function_id) DO UPDATE SET
				  function_name = excluded.function_name,
				  from_checkpoint = excluded.from_checkpoint,
				  to_checkpoint = excluded.to_checkpoint,
				  event_count = excluded.event_count`,
				r.FunctionID, r.FunctionName, r.FromCheckpoint.Encode(), r.ToCheckpoint.Encode(), r.EventCount,
			)
			if err != nil {
				return fmt.Errorf("inserting function metadata %s: %s", r.FunctionID, err)
			}
		}
		return nil
	})
}

// GetFunctionMetadata returns all persisted progress rows.
func (s *Store) GetFunctionMetadata(ctx context.Context) ([]syncstore.FunctionMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT function_id, function_name, from_checkpoint, to_checkpoint, event_count
		FROM function_metadata`)
	if err != nil {
		return nil, fmt.Errorf("querying function metadata: %s", err)
	}
	defer rows.Close()

	var out []syncstore.FunctionMetadata
	for rows.Next() {
		var r syncstore.FunctionMetadata
		var from, to string
		if err := rows.Scan(&r.FunctionID, &r.FunctionName, &from, &to, &r.EventCount); err != nil {
			return nil, fmt.Errorf("scanning function metadata: %s", err)
		}
		if r.FromCheckpoint, err = checkpoints.Decode(from); err != nil {
			return nil, fmt.Errorf("decoding from checkpoint: %s", err)
		}
		if r.ToCheckpoint, err = checkpoints.Decode(to); err != nil {
			return nil, fmt.Errorf("decoding to checkpoint: %s", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating function metadata: %s", err)
	}
	return out, nil
}
