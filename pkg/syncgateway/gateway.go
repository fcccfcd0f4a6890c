// Package syncgateway fuses per-chain sync progress into a single monotone
// stream of global checkpoints.
package syncgateway

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/d-mooers/ponder/pkg/checkpoints"
)

type chainState struct {
	historical         checkpoints.Checkpoint
	realtime           checkpoints.Checkpoint
	finality           checkpoints.Checkpoint
	historicalComplete bool
}

// Gateway tracks per-chain historical, realtime and finality checkpoints and
// reduces them to global ones. The global checkpoint of a chain is its
// historical checkpoint until historical sync completes, then the max of
// historical and realtime; the global value is the min across chains.
//
// Handlers run on the caller's goroutine and invoke subscriber callbacks with
// the gateway locked, so emissions arrive in monotone order. Callbacks must
// not call back into the gateway.
type Gateway struct {
	log zerolog.Logger

	mu       sync.Mutex
	chains   map[uint64]*chainState
	emitted  checkpoints.Checkpoint
	finality checkpoints.Checkpoint

	checkpointSubs []func(checkpoints.Checkpoint)
	finalitySubs   []func(checkpoints.Checkpoint)
	reorgSubs      []func(checkpoints.Checkpoint)

	metrics gatewayMetrics
}

// New creates a gateway over the given chains. Every chain holds the global
// checkpoint at zero until it reports progress.
func New(chainIDs []uint64) (*Gateway, error) {
	if len(chainIDs) == 0 {
		return nil, fmt.Errorf("at least one chain is required")
	}
	g := &Gateway{
		log: logger.With().
			Str("component", "syncgateway").
			Logger(),
		chains:   make(map[uint64]*chainState, len(chainIDs)),
		emitted:  checkpoints.Zero,
		finality: checkpoints.Zero,
	}
	for _, id := range chainIDs {
		g.chains[id] = &chainState{
			historical: checkpoints.Zero,
			realtime:   checkpoints.Zero,
			finality:   checkpoints.Zero,
		}
	}
	if err := g.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics: %s", err)
	}
	return g, nil
}

// OnNewCheckpoint subscribes to global checkpoint advances.
func (g *Gateway) OnNewCheckpoint(fn func(checkpoints.Checkpoint)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkpointSubs = append(g.checkpointSubs, fn)
}

// OnNewFinalityCheckpoint subscribes to global finality advances.
func (g *Gateway) OnNewFinalityCheckpoint(fn func(checkpoints.Checkpoint)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalitySubs = append(g.finalitySubs, fn)
}

// OnReorg subscribes to reorg notifications.
func (g *Gateway) OnReorg(fn func(safe checkpoints.Checkpoint)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reorgSubs = append(g.reorgSubs, fn)
}

// Checkpoint returns the last emitted global checkpoint.
func (g *Gateway) Checkpoint() checkpoints.Checkpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emitted
}

// FinalityCheckpoint returns the last emitted global finality checkpoint.
func (g *Gateway) FinalityCheckpoint() checkpoints.Checkpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finality
}

// HandleNewHistoricalCheckpoint records historical progress for c's chain.
func (g *Gateway) HandleNewHistoricalCheckpoint(c checkpoints.Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.chains[c.ChainID]
	if !ok {
		g.log.Warn().Uint64("chainID", c.ChainID).Msg("checkpoint for unknown chain")
		return
	}
	if checkpoints.Compare(c, cs.historical) <= 0 {
		return
	}
	cs.historical = c
	g.emitIfAdvanced()
}

// HandleHistoricalSyncComplete marks the chain's historical sync finished,
// letting its realtime checkpoint contribute to the global one.
func (g *Gateway) HandleHistoricalSyncComplete(chainID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.chains[chainID]
	if !ok {
		g.log.Warn().Uint64("chainID", chainID).Msg("sync complete for unknown chain")
		return
	}
	cs.historicalComplete = true
	g.log.Info().Uint64("chainID", chainID).Msg("historical sync complete")
	g.emitIfAdvanced()
}

// HandleNewRealtimeCheckpoint records realtime progress for c's chain.
func (g *Gateway) HandleNewRealtimeCheckpoint(c checkpoints.Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.chains[c.ChainID]
	if !ok {
		g.log.Warn().Uint64("chainID", c.ChainID).Msg("checkpoint for unknown chain")
		return
	}
	if checkpoints.Compare(c, cs.realtime) <= 0 {
		return
	}
	cs.realtime = c
	g.emitIfAdvanced()
}

// HandleNewFinalityCheckpoint records finality progress for c's chain.
func (g *Gateway) HandleNewFinalityCheckpoint(c checkpoints.Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.chains[c.ChainID]
	if !ok {
		g.log.Warn().Uint64("chainID", c.ChainID).Msg("checkpoint for unknown chain")
		return
	}
	if checkpoints.Compare(c, cs.finality) <= 0 {
		return
	}
	cs.finality = c

	finality := g.reduceFinality()
	if checkpoints.Compare(finality, g.finality) <= 0 {
		return
	}
	g.finality = finality
	g.metrics.finalityTimestamp.Store(int64(finality.BlockTimestamp))
	for _, fn := range g.finalitySubs {
		fn(finality)
	}
}

// HandleReorg notifies subscribers that state past safe is gone.
func (g *Gateway) HandleReorg(safe checkpoints.Checkpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Info().Str("safeCheckpoint", safe.String()).Msg("reorg detected")
	for _, fn := range g.reorgSubs {
		fn(safe)
	}
}

// ResetCheckpoints clears the chain's state and drops the global checkpoints
// back to zero, allowing them to be rebuilt from scratch.
func (g *Gateway) ResetCheckpoints(chainID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.chains[chainID]; !ok {
		return
	}
	g.chains[chainID] = &chainState{
		historical: checkpoints.Zero,
		realtime:   checkpoints.Zero,
		finality:   checkpoints.Zero,
	}
	g.emitted = checkpoints.Zero
	g.finality = checkpoints.Zero
	g.metrics.checkpointTimestamp.Store(0)
	g.metrics.finalityTimestamp.Store(0)
}

// emitIfAdvanced recomputes the global checkpoint and notifies subscribers on
// a strict advance. Called with the lock held.
func (g *Gateway) emitIfAdvanced() {
	next := g.reduceCheckpoint()
	if checkpoints.Compare(next, g.emitted) <= 0 {
		return
	}
	g.emitted = next
	g.metrics.checkpointTimestamp.Store(int64(next.BlockTimestamp))
	g.log.Debug().Str("checkpoint", next.String()).Msg("global checkpoint advanced")
	for _, fn := range g.checkpointSubs {
		fn(next)
	}
}

func (g *Gateway) reduceCheckpoint() checkpoints.Checkpoint {
	var best []checkpoints.Checkpoint
	for _, cs := range g.chains {
		b := cs.historical
		if cs.historicalComplete {
			b = checkpoints.MaxOf(cs.historical, cs.realtime)
		}
		best = append(best, b)
	}
	return checkpoints.MinOf(best...)
}

func (g *Gateway) reduceFinality() checkpoints.Checkpoint {
	var all []checkpoints.Checkpoint
	for _, cs := range g.chains {
		all = append(all, cs.finality)
	}
	return checkpoints.MinOf(all...)
}
