package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"runtime"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/entitystore"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

// yieldProbability forces an occasional scheduling point inside workers so
// shutdown signals and the loop get CPU time during long synchronous batches.
const yieldProbability = 0.01

var prettyJSON = jsoniter.Config{SortMapKeys: true, IndentionStep: 2}.Froze()

// dispatch classifies every key with buffered tasks and hands the runnable
// ones to workers. A task is runnable once every parent write strictly before
// its checkpoint has been enqueued; self-dependent keys additionally run one
// task at a time.
func (s *Service) dispatch() {
	s.mu.Lock()
	var toRun []*task
	if !s.paused {
		for _, key := range s.order {
			st := s.states[key]
			if len(st.loadedTasks) == 0 {
				continue
			}
			head := st.loadedTasks[0].checkpoint
			switch {
			case len(st.parents) == 0 && st.selfDependent:
				if st.inFlight == 0 && checkpoints.Compare(st.loadedFrom, head) >= 0 {
					toRun = append(toRun, take(st, 1)...)
				}
			case len(st.parents) == 0:
				toRun = append(toRun, take(st, len(st.loadedTasks))...)
			case st.selfDependent:
				bound := checkpoints.MinOf(append(parentFrontiers(st), st.loadedFrom)...)
				if st.inFlight == 0 && checkpoints.Compare(bound, head) >= 0 {
					toRun = append(toRun, take(st, 1)...)
				}
			default:
				bound := checkpoints.MinOf(parentFrontiers(st)...)
				n := 0
				for _, t := range st.loadedTasks {
					if checkpoints.Compare(t.checkpoint, bound) > 0 {
						break
					}
					n++
				}
				toRun = append(toRun, take(st, n)...)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range toRun {
		t := t
		s.taskWG.Add(1)
		go s.runTask(t)
	}
}

func parentFrontiers(st *functionState) []checkpoints.Checkpoint {
	out := make([]checkpoints.Checkpoint, 0, len(st.parents))
	for _, p := range st.parents {
		out = append(out, p.loadedFrom)
	}
	return out
}

// take removes the first n buffered tasks. Called with the service mutex
// held.
func take(st *functionState, n int) []*task {
	if n == 0 {
		return nil
	}
	out := st.loadedTasks[:n:n]
	st.loadedTasks = st.loadedTasks[n:]
	st.inFlight += n
	return out
}

func (s *Service) runTask(t *task) {
	defer s.taskWG.Done()
	ctx := context.Background()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	err := s.executeTask(ctx, t)
	s.metrics.taskLatency.Record(ctx, time.Since(start).Milliseconds(), s.metrics.attrs(t.state.fn.ID)...)

	if err != nil {
		s.failTask(t, err)
		return
	}
	s.completeTask(t)
}

// executeTask runs the handler with up to taskAttempts attempts. Each attempt
// writes into a fresh staging buffer that only commits on success, so a
// failed attempt leaves no partial writes behind.
func (s *Service) executeTask(ctx context.Context, t *task) error {
	fn := t.state.fn
	var err error
	for attempt := 1; attempt <= taskAttempts; attempt++ {
		if rand.Float64() < yieldProbability {
			runtime.Gosched()
		}

		staged := entitystore.NewStaged(s.ents)
		call := Call{
			NetworkName: fn.Source.Network,
			ChainID:     fn.Source.ChainID,
			DB:          entitystore.NewBound(staged, t.checkpoint),
			Client:      s.clients[fn.Source.ChainID],
		}
		if err = fn.Handler.Invoke(ctx, call, t.event); err == nil {
			if err = staged.Commit(ctx, t.checkpoint); err == nil {
				return nil
			}
		}
		if errors.Is(err, syncstore.ErrNonRetryable) {
			return err
		}
		if attempt < taskAttempts {
			s.log.Warn().
				Err(err).
				Str("function", fn.ID).
				Str("checkpoint", t.checkpoint.String()).
				Int("attempt", attempt).
				Msg("task failed, retrying")
		}
	}
	return err
}

// failTask is the terminal branch: pause, clear the queue, flag the error
// metric and surface the failure with pretty-printed event args.
func (s *Service) failTask(t *task, err error) {
	s.mu.Lock()
	t.state.inFlight--
	s.paused = true
	for _, st := range s.states {
		st.loadedTasks = nil
	}
	subs := append([]func(error){}, s.errorSubs...)
	s.mu.Unlock()

	s.metrics.hasError.Store(1)

	fn := t.state.fn
	if t.event != nil {
		if pretty, perr := prettyJSON.MarshalToString(t.event.Args); perr == nil {
			err = fmt.Errorf("%w\nevent args:\n%s", err, pretty)
		}
	}
	s.log.Error().
		Err(err).
		Str("function", fn.ID).
		Str("checkpoint", t.checkpoint.String()).
		Msg("task failed permanently")
	for _, sub := range subs {
		sub(fmt.Errorf("function %s at %s: %w", fn.ID, t.checkpoint, err))
	}
}

func (s *Service) completeTask(t *task) {
	ctx := context.Background()
	st := t.state

	s.mu.Lock()
	st.inFlight--
	st.processedTo = checkpoints.MaxOf(st.processedTo, t.checkpoint)
	if t.kind == taskSetup {
		s.setupDone[st.fn.ID] = true
	} else {
		st.eventCount++
	}
	if len(st.loadedTasks) == 0 {
		st.loadedFrom = st.loadedTo
	} else {
		st.loadedFrom = st.loadedTasks[0].checkpoint
	}
	s.mu.Unlock()

	s.metrics.processedEvents.Add(ctx, 1, s.metrics.attrs(st.fn.ID)...)
	if t.batchSize > 0 {
		s.log.Info().
			Str("function", st.fn.ID).
			Int("events", t.batchSize).
			Str("checkpoint", t.checkpoint.String()).
			Msg("processed event batch")
	}

	s.kickLoad()
}

// emitProcessed emits the minimum state checkpoint across keys when it
// strictly advances. Setup keys are excluded: their synthetic timestamp-zero
// checkpoints would pin the minimum forever.
func (s *Service) emitProcessed() {
	s.mu.Lock()
	min := checkpoints.Max
	any := false
	for _, key := range s.order {
		st := s.states[key]
		if st.fn.isSetup() {
			continue
		}
		any = true
		min = checkpoints.MinOf(min, st.stateCheckpoint())
	}
	if !any || checkpoints.Compare(min, s.lastEmitted) <= 0 {
		s.mu.Unlock()
		return
	}
	s.lastEmitted = min
	subs := append([]func(checkpoints.Checkpoint){}, s.processedSubs...)
	s.mu.Unlock()

	s.metrics.completedTimestamp.Store(int64(min.BlockTimestamp))
	for _, sub := range subs {
		sub(min)
	}
}

// BlockNumber is a convenience for handlers doing cached RPC reads pinned to
// the task's block.
func (e *Event) BlockNumber() *big.Int {
	return new(big.Int).SetUint64(e.Block.Number)
}
