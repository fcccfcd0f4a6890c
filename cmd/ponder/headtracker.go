package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/syncgateway"
)

// headTracker advances the gateway from one chain's head. It does not fetch
// logs or blocks into the sync store; ingestion is the sync pipeline's job.
// The first observed head completes the chain's historical phase, later heads
// advance the realtime checkpoint, and head minus the chain's finality depth
// advances the finality checkpoint.
type headTracker struct {
	log      zerolog.Logger
	gateway  *syncgateway.Gateway
	chain    chainConfig
	client   *ethclient.Client
	interval time.Duration

	started      bool
	lastFinality uint64
}

func newHeadTracker(
	gateway *syncgateway.Gateway,
	chain chainConfig,
	client *ethclient.Client,
	interval time.Duration,
) *headTracker {
	return &headTracker{
		log: logger.With().
			Str("component", "headtracker").
			Str("chain", chain.Name).
			Logger(),
		gateway:  gateway,
		chain:    chain,
		client:   client,
		interval: interval,
	}
}

func (t *headTracker) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if err := t.tick(ctx); err != nil && ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("polling chain head")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *headTracker) tick(ctx context.Context) error {
	header, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetching head: %s", err)
	}
	number := header.Number.Uint64()
	head := checkpoints.NewBlock(header.Time, t.chain.ID, number)

	if !t.started {
		t.started = true
		t.gateway.HandleNewHistoricalCheckpoint(head)
		t.gateway.HandleHistoricalSyncComplete(t.chain.ID)
	} else {
		t.gateway.HandleNewRealtimeCheckpoint(head)
	}

	if number <= t.chain.FinalityBlocks {
		return nil
	}
	final := number - t.chain.FinalityBlocks
	if final <= t.lastFinality {
		return nil
	}
	finalHeader, err := t.client.HeaderByNumber(ctx, new(big.Int).SetUint64(final))
	if err != nil {
		return fmt.Errorf("fetching finalized header %d: %s", final, err)
	}
	t.lastFinality = final
	t.gateway.HandleNewFinalityCheckpoint(checkpoints.NewBlock(finalHeader.Time, t.chain.ID, final))
	return nil
}
