package impl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/intervals"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

// InsertLogFilterInterval stores one completed historical range: the block,
// its transactions and logs, plus the interval appended to every fragment of
// the filter, all in one transaction.
func (s *Store) InsertLogFilterInterval(
	ctx context.Context,
	chainID uint64,
	filter eventfilter.LogFilter,
	block syncstore.Block,
	transactions []syncstore.Transaction,
	logs []syncstore.Log,
	interval intervals.Interval,
) error {
	if err := interval.Validate(); err != nil {
		return syncstore.NonRetryable(err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertBlock(ctx, tx, block); err != nil {
			return err
		}
		if err := upsertTransactions(ctx, tx, transactions); err != nil {
			return err
		}
		if err := upsertLogs(ctx, tx, logs); err != nil {
			return err
		}
		for _, fr := range filter.Fragments(chainID) {
			if err := insertLogFilterFragmentInterval(ctx, tx, fr, interval); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertRealtimeInterval appends a finalized range to every fragment of the
// given filters and factories.
func (s *Store) InsertRealtimeInterval(
	ctx context.Context,
	chainID uint64,
	filters []eventfilter.LogFilter,
	factories []eventfilter.Factory,
	interval intervals.Interval,
) error {
	if err := interval.Validate(); err != nil {
		return syncstore.NonRetryable(err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range filters {
			for _, fr := range f.Fragments(chainID) {
				if err := insertLogFilterFragmentInterval(ctx, tx, fr, interval); err != nil {
					return err
				}
			}
		}
		for _, f := range factories {
			for _, fr := range f.Fragments(chainID) {
				if err := insertFactoryFragmentInterval(ctx, tx, fr, interval); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func insertLogFilterFragmentInterval(
	ctx context.Context,
	tx *sql.Tx,
	fr eventfilter.Fragment,
	interval intervals.Interval,
) error {
	topics := fragmentTopicColumns(fr.Topics)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO log_filters (id, chain_id, address, topic0, topic1, topic2, topic3)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		fr.ID, int64(fr.ChainID), encodeNullableAddress(fr.Address), topics[0], topics[1], topics[2], topics[3],
	)
	if err != nil {
		return fmt.Errorf("inserting log filter %s: %s", fr.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO log_filter_intervals (log_filter_id, start_block, end_block) VALUES (?, ?, ?)`,
		fr.ID, int64(interval.Start), int64(interval.End),
	)
	if err != nil {
		return fmt.Errorf("inserting log filter interval: %s", err)
	}
	return nil
}

// GetLogFilterIntervals first compacts the interval rows of each fragment
// (delete, union, re-insert) to bound row growth, then intersects the
// fragments' unions.
func (s *Store) GetLogFilterIntervals(
	ctx context.Context,
	chainID uint64,
	filter eventfilter.LogFilter,
) ([]intervals.Interval, error) {
	fragments := filter.Fragments(chainID)
	unions := make([][]intervals.Interval, len(fragments))
	for i, fr := range fragments {
		fr := fr
		var union []intervals.Interval
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			union, err = compactFragmentIntervals(ctx, tx, compactParams{
				intervalsTable: "log_filter_intervals",
				filterColumn:   "log_filter_id",
				filterID:       fr.ID,
				ensureFilter: func(tx *sql.Tx) error {
					return insertLogFilterFragmentRow(ctx, tx, fr)
				},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("compacting fragment %s: %s", fr.ID, err)
		}
		unions[i] = union
	}
	return intervals.IntersectionMany(unions), nil
}

func insertLogFilterFragmentRow(ctx context.Context, tx *sql.Tx, fr eventfilter.Fragment) error {
	topics := fragmentTopicColumns(fr.Topics)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO log_filters (id, chain_id, address, topic0, topic1, topic2, topic3)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		fr.ID, int64(fr.ChainID), encodeNullableAddress(fr.Address), topics[0], topics[1], topics[2], topics[3],
	)
	return err
}

// InsertFactoryLogFilterInterval is the factory-fragment analogue of
// InsertLogFilterInterval.
func (s *Store) InsertFactoryLogFilterInterval(
	ctx context.Context,
	chainID uint64,
	factory eventfilter.Factory,
	block syncstore.Block,
	transactions []syncstore.Transaction,
	logs []syncstore.Log,
	interval intervals.Interval,
) error {
	if err := interval.Validate(); err != nil {
		return syncstore.NonRetryable(err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertBlock(ctx, tx, block); err != nil {
			return err
		}
		if err := upsertTransactions(ctx, tx, transactions); err != nil {
			return err
		}
		if err := upsertLogs(ctx, tx, logs); err != nil {
			return err
		}
		for _, fr := range factory.Fragments(chainID) {
			if err := insertFactoryFragmentInterval(ctx, tx, fr, interval); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertFactoryFragmentInterval(
	ctx context.Context,
	tx *sql.Tx,
	fr eventfilter.FactoryFragment,
	interval intervals.Interval,
) error {
	if err := insertFactoryFragmentRow(ctx, tx, fr); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO factory_log_filter_intervals (factory_id, start_block, end_block) VALUES (?, ?, ?)`,
		fr.ID, int64(interval.Start), int64(interval.End),
	)
	if err != nil {
		return fmt.Errorf("inserting factory interval: %s", err)
	}
	return nil
}

func insertFactoryFragmentRow(ctx context.Context, tx *sql.Tx, fr eventfilter.FactoryFragment) error {
	topics := fragmentTopicColumns(fr.Topics)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO factories (id, chain_id, address, event_selector, child_address_location, topic0, topic1, topic2, topic3)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		fr.ID, int64(fr.ChainID), encodeAddress(fr.Address), encodeHash(fr.EventSelector),
		string(fr.ChildAddressLocation), topics[0], topics[1], topics[2], topics[3],
	)
	if err != nil {
		return fmt.Errorf("inserting factory %s: %s", fr.ID, err)
	}
	return nil
}

// GetFactoryLogFilterIntervals is the factory-fragment analogue of
// GetLogFilterIntervals.
func (s *Store) GetFactoryLogFilterIntervals(
	ctx context.Context,
	chainID uint64,
	factory eventfilter.Factory,
) ([]intervals.Interval, error) {
	fragments := factory.Fragments(chainID)
	unions := make([][]intervals.Interval, len(fragments))
	for i, fr := range fragments {
		fr := fr
		var union []intervals.Interval
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			union, err = compactFragmentIntervals(ctx, tx, compactParams{
				intervalsTable: "factory_log_filter_intervals",
				filterColumn:   "factory_id",
				filterID:       fr.ID,
				ensureFilter: func(tx *sql.Tx) error {
					return insertFactoryFragmentRow(ctx, tx, fr)
				},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("compacting factory fragment %s: %s", fr.ID, err)
		}
		unions[i] = union
	}
	return intervals.IntersectionMany(unions), nil
}

type compactParams struct {
	intervalsTable string
	filterColumn   string
	filterID       string
	ensureFilter   func(tx *sql.Tx) error
}

// compactFragmentIntervals reads a fragment's interval rows, replaces them
// with their union and returns it.
func compactFragmentIntervals(ctx context.Context, tx *sql.Tx, p compactParams) ([]intervals.Interval, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT start_block, end_block FROM %s WHERE %s = ?`, p.intervalsTable, p.filterColumn), p.filterID)
	if err != nil {
		return nil, fmt.Errorf("selecting intervals: %s", err)
	}
	var existing []intervals.Interval
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning interval: %s", err)
		}
		existing = append(existing, intervals.Interval{Start: uint64(start), End: uint64(end)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating intervals: %s", err)
	}

	union := intervals.Union(existing)
	if len(union) == len(existing) {
		// Already compact.
		return union, nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE %s = ?`, p.intervalsTable, p.filterColumn), p.filterID); err != nil {
		return nil, fmt.Errorf("deleting intervals: %s", err)
	}
	if err := p.ensureFilter(tx); err != nil {
		return nil, err
	}
	for _, iv := range union {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (%s, start_block, end_block) VALUES (?, ?, ?)`, p.intervalsTable, p.filterColumn),
			p.filterID, int64(iv.Start), int64(iv.End)); err != nil {
			return nil, fmt.Errorf("re-inserting interval: %s", err)
		}
	}
	return union, nil
}

func fragmentTopicColumns(topics [eventfilter.TopicSlots]*common.Hash) [4]sql.NullString {
	var out [4]sql.NullString
	for i, t := range topics {
		if t != nil {
			out[i] = sql.NullString{String: encodeHash(*t), Valid: true}
		}
	}
	return out
}
