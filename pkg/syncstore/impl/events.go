package impl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

const eventColumns = `
	l.id, l.chain_id, l.block_hash, l.block_number, l.log_index,
	l.transaction_hash, l.transaction_index, l.address, l.data,
	l.topic0, l.topic1, l.topic2, l.topic3,
	b.parent_hash, b.timestamp, b.miner, b.gas_limit, b.gas_used, b.base_fee_per_gas, b.size,
	t.from_address, t.to_address, t.value, t.gas, t.gas_price, t.input, t.nonce`

const eventJoins = `
	FROM logs l
	JOIN blocks b ON b.chain_id = l.chain_id AND b.hash = l.block_hash
	JOIN transactions t ON t.chain_id = l.chain_id AND t.hash = l.transaction_hash`

// GetLogEvents returns up to Limit events matching any criterion, strictly
// inside the (from, to] checkpoint window, ordered by
// (timestamp, chainId, blockNumber, logIndex). A limit+1 row probe decides
// HasNextPage; a second DESC-limit-1 query finds the newest matching event in
// the whole window for caching metrics.
func (s *Store) GetLogEvents(ctx context.Context, params syncstore.GetLogEventsParams) (syncstore.LogEventsPage, error) {
	if len(params.LogFilters) == 0 && len(params.Factories) == 0 {
		return syncstore.LogEventsPage{}, syncstore.NonRetryable(fmt.Errorf("no criteria given"))
	}
	if params.Limit <= 0 {
		return syncstore.LogEventsPage{}, syncstore.NonRetryable(fmt.Errorf("limit must be positive"))
	}

	where, args := buildEventsWhere(params)

	query := `SELECT` + eventColumns + eventJoins + `
	WHERE ` + where + `
	ORDER BY b.timestamp ASC, l.chain_id ASC, l.block_number ASC, l.log_index ASC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, params.Limit+1)...)
	if err != nil {
		return syncstore.LogEventsPage{}, fmt.Errorf("querying log events: %s", err)
	}
	defer rows.Close()

	var events []syncstore.LogEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return syncstore.LogEventsPage{}, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return syncstore.LogEventsPage{}, fmt.Errorf("iterating log events: %s", err)
	}

	page := syncstore.LogEventsPage{}
	if len(events) > params.Limit {
		page.HasNextPage = true
		events = events[:params.Limit]
	}
	page.Events = events
	if len(events) > 0 {
		page.LastCheckpointInPage = events[len(events)-1].Checkpoint
	}

	last, err := s.lastMatchingCheckpoint(ctx, where, args)
	if err != nil {
		return syncstore.LogEventsPage{}, err
	}
	page.LastCheckpoint = last

	return page, nil
}

func (s *Store) lastMatchingCheckpoint(
	ctx context.Context,
	where string,
	args []interface{},
) (*checkpoints.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT b.timestamp, l.chain_id, l.block_number, l.log_index`+eventJoins+`
	WHERE `+where+`
	ORDER BY b.timestamp DESC, l.chain_id DESC, l.block_number DESC, l.log_index DESC
	LIMIT 1`, args...)

	var ts, chainID, number, logIndex int64
	if err := row.Scan(&ts, &chainID, &number, &logIndex); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying last matching checkpoint: %s", err)
	}
	c := checkpoints.New(uint64(ts), uint64(chainID), uint64(number), uint32(logIndex))
	return &c, nil
}

func buildEventsWhere(params syncstore.GetLogEventsParams) (string, []interface{}) {
	var criteria []string
	var args []interface{}

	for _, c := range params.LogFilters {
		sqlStr, cArgs := logFilterCriterionSQL(c)
		criteria = append(criteria, sqlStr)
		args = append(args, cArgs...)
	}
	for _, c := range params.Factories {
		sqlStr, cArgs := factoryCriterionSQL(c)
		criteria = append(criteria, sqlStr)
		args = append(args, cArgs...)
	}

	where := "(" + strings.Join(criteria, " OR ") + ")"

	// Block-level bounds resolve to block ends: a block-level `from` excludes
	// its whole block, a block-level `to` includes it.
	from := params.FromCheckpoint.Bound(true)
	to := params.ToCheckpoint.Bound(true)
	where += `
	  AND (b.timestamp, l.chain_id, l.block_number, l.log_index) > (?, ?, ?, ?)
	  AND (b.timestamp, l.chain_id, l.block_number, l.log_index) <= (?, ?, ?, ?)`
	args = append(args,
		int64(from.BlockTimestamp), int64(from.ChainID), int64(from.BlockNumber), int64(from.LogIndex),
		int64(to.BlockTimestamp), int64(to.ChainID), int64(to.BlockNumber), int64(to.LogIndex),
	)
	return where, args
}

func logFilterCriterionSQL(c syncstore.LogFilterCriteria) (string, []interface{}) {
	conds := []string{"l.chain_id = ?", "l.topic0 = ?"}
	args := []interface{}{int64(c.ChainID), encodeHash(c.EventSelector)}

	if len(c.Filter.Addresses) > 0 {
		conds = append(conds, "l.address IN "+inPlaceholders(len(c.Filter.Addresses)))
		for _, a := range c.Filter.Addresses {
			args = append(args, encodeAddress(a))
		}
	}
	conds, args = appendTopicConds(conds, args, c.Filter.Topics)
	return "(" + strings.Join(conds, " AND ") + ")", args
}

func factoryCriterionSQL(c syncstore.FactoryCriteria) (string, []interface{}) {
	conds := []string{"l.chain_id = ?", "l.topic0 = ?"}
	args := []interface{}{int64(c.ChainID), encodeHash(c.EventSelector)}

	conds = append(conds, fmt.Sprintf(
		`l.address IN (SELECT %s FROM logs f WHERE f.chain_id = ? AND f.address = ? AND f.topic0 = ?)`,
		childAddressSQL(c.Factory.ChildAddressLocation),
	))
	args = append(args, int64(c.ChainID), encodeAddress(c.Factory.Address), encodeHash(c.Factory.EventSelector))

	conds, args = appendTopicConds(conds, args, c.Factory.Topics)
	return "(" + strings.Join(conds, " AND ") + ")", args
}

func appendTopicConds(
	conds []string,
	args []interface{},
	topics [eventfilter.TopicSlots][]common.Hash,
) ([]string, []interface{}) {
	for slot, vals := range topics {
		if len(vals) == 0 {
			continue
		}
		conds = append(conds, fmt.Sprintf("l.topic%d IN %s", slot, inPlaceholders(len(vals))))
		for _, v := range vals {
			args = append(args, encodeHash(v))
		}
	}
	return conds, args
}

func inPlaceholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

// childAddressSQL renders the 20-byte child address extraction over the hex
// text columns: topics are 66 chars ("0x" + 64), so the address is the last
// 40 chars; in data it sits at byte offset 12+N, i.e. char offset 3+2*(12+N).
func childAddressSQL(loc eventfilter.ChildAddressLocation) string {
	switch loc {
	case "topic1", "topic2", "topic3":
		return fmt.Sprintf("'0x' || substr(f.%s, 27)", loc)
	}
	n := 0
	fmt.Sscanf(string(loc), "offset%d", &n)
	return fmt.Sprintf("'0x' || substr(f.data, %d, 40)", 3+2*(12+n))
}

func scanEvent(rows *sql.Rows) (syncstore.LogEvent, error) {
	var (
		l            syncstore.Log
		b            syncstore.Block
		t            syncstore.Transaction
		chainID      int64
		blockHash    string
		blockNumber  int64
		logIndex     int64
		txHash       string
		txIndex      int64
		address      string
		data         string
		topics       [4]sql.NullString
		parentHash   string
		timestamp    int64
		miner        string
		gasLimit     int64
		gasUsed      int64
		baseFee      sql.NullString
		size         int64
		from         string
		to           sql.NullString
		value        sql.NullString
		gas          int64
		gasPrice     sql.NullString
		input        string
		nonce        int64
	)
	err := rows.Scan(
		&l.ID, &chainID, &blockHash, &blockNumber, &logIndex,
		&txHash, &txIndex, &address, &data,
		&topics[0], &topics[1], &topics[2], &topics[3],
		&parentHash, &timestamp, &miner, &gasLimit, &gasUsed, &baseFee, &size,
		&from, &to, &value, &gas, &gasPrice, &input, &nonce,
	)
	if err != nil {
		return syncstore.LogEvent{}, fmt.Errorf("scanning log event: %s", err)
	}

	l.ChainID = uint64(chainID)
	l.BlockHash = common.HexToHash(blockHash)
	l.BlockNumber = uint64(blockNumber)
	l.LogIndex = uint32(logIndex)
	l.TransactionHash = common.HexToHash(txHash)
	l.TransactionIndex = uint32(txIndex)
	l.Address = common.HexToAddress(address)
	if l.Data, err = decodeBytes(data); err != nil {
		return syncstore.LogEvent{}, fmt.Errorf("decoding log data: %s", err)
	}
	l.Topics = decodeTopics(topics)

	b.ChainID = l.ChainID
	b.Hash = l.BlockHash
	b.ParentHash = common.HexToHash(parentHash)
	b.Number = l.BlockNumber
	b.Timestamp = uint64(timestamp)
	b.Miner = common.HexToAddress(miner)
	b.GasLimit = uint64(gasLimit)
	b.GasUsed = uint64(gasUsed)
	if b.BaseFeePerGas, err = decodeNullableInt256(baseFee); err != nil {
		return syncstore.LogEvent{}, fmt.Errorf("decoding base fee: %s", err)
	}
	b.Size = uint64(size)

	t.ChainID = l.ChainID
	t.Hash = l.TransactionHash
	t.BlockHash = l.BlockHash
	t.BlockNumber = l.BlockNumber
	t.TransactionIndex = l.TransactionIndex
	t.From = common.HexToAddress(from)
	if to.Valid {
		addr := common.HexToAddress(to.String)
		t.To = &addr
	}
	if t.Value, err = decodeNullableInt256(value); err != nil {
		return syncstore.LogEvent{}, fmt.Errorf("decoding txn value: %s", err)
	}
	t.Gas = uint64(gas)
	if t.GasPrice, err = decodeNullableInt256(gasPrice); err != nil {
		return syncstore.LogEvent{}, fmt.Errorf("decoding txn gas price: %s", err)
	}
	if t.Input, err = decodeBytes(input); err != nil {
		return syncstore.LogEvent{}, fmt.Errorf("decoding txn input: %s", err)
	}
	t.Nonce = uint64(nonce)

	return syncstore.LogEvent{
		Log:         l,
		Block:       b,
		Transaction: t,
		Checkpoint:  checkpoints.New(b.Timestamp, l.ChainID, l.BlockNumber, l.LogIndex),
	}, nil
}

// GetFactoryChildAddresses pages through the factory's announced child
// addresses in ascending block order, invoking fn per batch. Extraction of
// the address happens Go-side so malformed announcement logs surface as
// errors instead of silently matching garbage.
func (s *Store) GetFactoryChildAddresses(
	ctx context.Context,
	chainID uint64,
	factory eventfilter.Factory,
	upToBlockNumber uint64,
	pageSize int,
	fn func(batch []common.Address) error,
) error {
	if pageSize <= 0 {
		return syncstore.NonRetryable(fmt.Errorf("page size must be positive"))
	}

	cursorBlock, cursorIndex := int64(-1), int64(-1)
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT block_number, log_index, data, topic0, topic1, topic2, topic3
			FROM logs
			WHERE chain_id = ? AND address = ? AND topic0 = ?
			  AND block_number <= ?
			  AND (block_number, log_index) > (?, ?)
			ORDER BY block_number ASC, log_index ASC
			LIMIT ?`,
			int64(chainID), encodeAddress(factory.Address), encodeHash(factory.EventSelector),
			int64(upToBlockNumber), cursorBlock, cursorIndex, pageSize,
		)
		if err != nil {
			return fmt.Errorf("querying child addresses: %s", err)
		}

		var batch []common.Address
		for rows.Next() {
			var blockNumber, logIndex int64
			var data string
			var topics [4]sql.NullString
			if err := rows.Scan(&blockNumber, &logIndex, &data, &topics[0], &topics[1], &topics[2], &topics[3]); err != nil {
				rows.Close()
				return fmt.Errorf("scanning child address log: %s", err)
			}
			raw, err := decodeBytes(data)
			if err != nil {
				rows.Close()
				return fmt.Errorf("decoding child address log data: %s", err)
			}
			addr, err := factory.ChildAddressLocation.Extract(types.Log{Data: raw, Topics: decodeTopics(topics)})
			if err != nil {
				rows.Close()
				return syncstore.NonRetryable(fmt.Errorf("extracting child address: %s", err))
			}
			batch = append(batch, addr)
			cursorBlock, cursorIndex = blockNumber, logIndex
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating child address logs: %s", err)
		}

		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if len(batch) < pageSize {
			return nil
		}
	}
}
