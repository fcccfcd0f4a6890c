// Package scheduler orders and executes user indexing functions over the
// merged event stream, honoring declared read/write dependencies between
// entity tables, the global sync checkpoint, and reorg rewinds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/entitystore"
	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/rpccache"
	"github.com/d-mooers/ponder/pkg/syncgateway"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

const (
	maxBatchSize = 10_000
	maxWorkers   = 10
	taskAttempts = 4

	// setupEventName keys a function that runs once per contract before any
	// log events.
	setupEventName = "setup"
)

// TableAccess declares which entity tables a function reads and writes.
type TableAccess struct {
	Reads  []string
	Writes []string
}

// Event is a decoded log handed to a handler.
type Event struct {
	Name        string
	Args        map[string]interface{}
	Log         syncstore.Log
	Block       syncstore.Block
	Transaction syncstore.Transaction
	Checkpoint  checkpoints.Checkpoint
}

// Call is the context object user code receives.
type Call struct {
	NetworkName string
	ChainID     uint64
	// DB is the task-scoped entity store handle. Writes land atomically when
	// the handler returns without error.
	DB *entitystore.Bound
	// Client is a cached read-only RPC client for the task's chain. Nil when
	// no client was configured for the chain.
	Client *rpccache.Client
}

// Handler executes one task. The event is nil for setup functions.
type Handler interface {
	Invoke(ctx context.Context, call Call, ev *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call, ev *Event) error

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, call Call, ev *Event) error {
	return f(ctx, call, ev)
}

// Function binds one (contract, event) to its source, ABI event, table access
// and handler. EventName "setup" declares a setup function, which has no ABI
// event and runs once at the source's start block.
type Function struct {
	ID           string
	ContractName string
	EventName    string
	Source       eventfilter.Source
	ABIEvent     *abi.Event
	Access       TableAccess
	Handler      Handler
}

func (f Function) isSetup() bool { return f.EventName == setupEventName }

// Validate checks the function is well formed.
func (f Function) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("function has no id")
	}
	if f.Handler == nil {
		return fmt.Errorf("function %s has no handler", f.ID)
	}
	if err := f.Source.Validate(); err != nil {
		return fmt.Errorf("function %s: %s", f.ID, err)
	}
	if !f.isSetup() && f.ABIEvent == nil {
		return fmt.Errorf("function %s has no abi event", f.ID)
	}
	return nil
}

type taskKind int

const (
	taskSetup taskKind = iota
	taskLog
)

type task struct {
	kind       taskKind
	state      *functionState
	event      *Event
	checkpoint checkpoints.Checkpoint
	// batchSize is set on the last task of a loaded batch so the executor
	// emits the batch progress log once.
	batchSize int
}

// functionState is the mutable per-function bookkeeping. All fields are
// guarded by the service mutex.
type functionState struct {
	fn            Function
	parents       []*functionState
	selfDependent bool

	processedTo checkpoints.Checkpoint
	loadedFrom  checkpoints.Checkpoint
	loadedTo    checkpoints.Checkpoint
	lastEvent   checkpoints.Checkpoint
	firstEvent  *checkpoints.Checkpoint

	loadedTasks []*task
	inFlight    int
	eventCount  int64
}

// stateCheckpoint is the function's progress for flushing and the
// eventsProcessed emission: the processed frontier while tasks are buffered,
// the loaded frontier once drained.
func (st *functionState) stateCheckpoint() checkpoints.Checkpoint {
	if len(st.loadedTasks) == 0 {
		return st.loadedTo
	}
	return st.processedTo
}

// Config holds scheduler tunables.
type Config struct {
	FlushInterval time.Duration
}

// Option modifies the default Config.
type Option func(*Config) error

// WithFlushInterval overrides how often function progress is persisted.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("flush interval must be positive")
		}
		c.FlushInterval = d
		return nil
	}
}

// Service is the indexing scheduler.
type Service struct {
	log     zerolog.Logger
	cfg     Config
	store   syncstore.SyncStore
	ents    entitystore.EntityStore
	gateway *syncgateway.Gateway
	clients map[uint64]*rpccache.Client

	mu        sync.Mutex
	states    map[string]*functionState
	order     []string
	setupDone map[string]bool
	paused    bool

	lastEmitted   checkpoints.Checkpoint
	processedSubs []func(checkpoints.Checkpoint)
	errorSubs     []func(error)

	loadMu *cancelableMutex
	sem    *semaphore.Weighted
	taskWG sync.WaitGroup

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup

	metrics schedulerMetrics
}

// New creates a stopped scheduler. Call Reset to install functions and Start
// to run the loop.
func New(
	store syncstore.SyncStore,
	ents entitystore.EntityStore,
	gateway *syncgateway.Gateway,
	clients map[uint64]*rpccache.Client,
	opts ...Option,
) (*Service, error) {
	cfg := Config{FlushInterval: 120 * time.Second}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	s := &Service{
		log: logger.With().
			Str("component", "scheduler").
			Logger(),
		cfg:       cfg,
		store:     store,
		ents:      ents,
		gateway:   gateway,
		clients:   clients,
		states:    make(map[string]*functionState),
		setupDone: make(map[string]bool),
		paused:    true,
		loadMu:    newCancelableMutex(),
		sem:       semaphore.NewWeighted(maxWorkers),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metrics: %s", err)
	}
	return s, nil
}

// OnEventsProcessed subscribes to monotone progress emissions.
func (s *Service) OnEventsProcessed(fn func(toCheckpoint checkpoints.Checkpoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedSubs = append(s.processedSubs, fn)
}

// OnError subscribes to terminal task failures.
func (s *Service) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorSubs = append(s.errorSubs, fn)
}

// Start spawns the scheduling loop and wires the gateway events.
func (s *Service) Start() {
	s.gateway.OnNewCheckpoint(func(checkpoints.Checkpoint) {
		s.kickLoad()
	})
	s.gateway.OnReorg(func(safe checkpoints.Checkpoint) {
		go func() {
			if err := s.HandleReorg(context.Background(), safe); err != nil && !errors.Is(err, ErrLoadCanceled) {
				s.log.Error().Err(err).Msg("handling reorg")
			}
		}()
	})
	s.loopWG.Add(1)
	go s.run()
}

func (s *Service) run() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
			s.processEvents()
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("flushing function metadata")
			}
		}
	}
}

// kickLoad nudges the loop; drops the nudge if one is already pending.
func (s *Service) kickLoad() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Reset installs a new set of indexing functions: it pauses the queue, drains
// in-flight work, cancels pending loads, rebuilds the dependency graph, seeds
// progress from persisted function metadata, and enqueues pending setup
// functions.
func (s *Service) Reset(ctx context.Context, functions []Function) error {
	for _, fn := range functions {
		if err := fn.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.paused = true
	for _, st := range s.states {
		st.loadedTasks = nil
	}
	s.mu.Unlock()
	s.loadMu.CancelPending()
	s.taskWG.Wait()

	persisted, err := s.store.GetFunctionMetadata(ctx)
	if err != nil {
		return fmt.Errorf("reading function metadata: %s", err)
	}
	byID := make(map[string]syncstore.FunctionMetadata, len(persisted))
	for _, row := range persisted {
		byID[row.FunctionID] = row
	}

	states, order, err := buildStates(functions, byID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.states = states
	s.order = order
	s.setupDone = make(map[string]bool)
	s.lastEmitted = checkpoints.Zero

	// Setup functions run once per contract at the source's start block. A
	// persisted sentinel row marks completion across restarts.
	for _, key := range order {
		st := states[key]
		if !st.fn.isSetup() {
			continue
		}
		if _, done := byID[key]; done {
			s.setupDone[key] = true
			continue
		}
		c := checkpoints.New(0, st.fn.Source.ChainID, st.fn.Source.StartBlock, 0)
		st.loadedTasks = append(st.loadedTasks, &task{kind: taskSetup, state: st, checkpoint: c})
	}
	s.paused = false
	s.mu.Unlock()

	s.metrics.hasError.Store(0)
	s.metrics.completedTimestamp.Store(0)
	s.log.Info().Int("functions", len(functions)).Msg("scheduler reset")
	s.kickLoad()
	return nil
}

// buildStates does the two-pass dependency build: collect write sets, invert
// into table -> writers, then derive parents and self-dependence.
func buildStates(
	functions []Function,
	persisted map[string]syncstore.FunctionMetadata,
) (map[string]*functionState, []string, error) {
	states := make(map[string]*functionState, len(functions))
	order := make([]string, 0, len(functions))
	for _, fn := range functions {
		if _, ok := states[fn.ID]; ok {
			return nil, nil, fmt.Errorf("duplicate function id %s", fn.ID)
		}
		seed := checkpoints.Zero
		if row, ok := persisted[fn.ID]; ok {
			seed = row.ToCheckpoint
		}
		st := &functionState{
			fn:          fn,
			processedTo: seed,
			loadedFrom:  seed,
			loadedTo:    seed,
			lastEvent:   checkpoints.Zero,
		}
		if row, ok := persisted[fn.ID]; ok {
			st.eventCount = row.EventCount
		}
		states[fn.ID] = st
		order = append(order, fn.ID)
	}
	sort.Strings(order)

	writers := make(map[string][]*functionState)
	for _, key := range order {
		st := states[key]
		for _, table := range st.fn.Access.Writes {
			writers[table] = append(writers[table], st)
		}
	}
	for _, key := range order {
		st := states[key]
		seen := make(map[string]bool)
		for _, table := range st.fn.Access.Reads {
			for _, w := range writers[table] {
				if w == st {
					st.selfDependent = true
					continue
				}
				if !seen[w.fn.ID] {
					seen[w.fn.ID] = true
					st.parents = append(st.parents, w)
				}
			}
		}
	}
	return states, order, nil
}

// HandleReorg rewinds the entity store and clamps function progress to safe.
// It runs under the loading lock so no batch load observes half-rewound
// state.
func (s *Service) HandleReorg(ctx context.Context, safe checkpoints.Checkpoint) error {
	return s.loadMu.RunExclusive(ctx, func() error {
		s.mu.Lock()
		affected := false
		for _, st := range s.states {
			if checkpoints.Compare(st.processedTo, safe) > 0 {
				affected = true
				break
			}
		}
		s.mu.Unlock()
		if !affected {
			return nil
		}

		if err := s.ents.Revert(ctx, safe); err != nil {
			return fmt.Errorf("reverting entity store: %s", err)
		}

		s.mu.Lock()
		for _, st := range s.states {
			st.processedTo = checkpoints.MinOf(st.processedTo, safe)
			st.loadedFrom = checkpoints.MinOf(st.loadedFrom, safe)
			st.loadedTo = checkpoints.MinOf(st.loadedTo, safe)
			kept := st.loadedTasks[:0]
			for _, t := range st.loadedTasks {
				if checkpoints.Compare(t.checkpoint, safe) <= 0 {
					kept = append(kept, t)
				}
			}
			st.loadedTasks = kept
		}
		s.mu.Unlock()

		s.log.Info().Str("safeCheckpoint", safe.String()).Msg("rewound to safe checkpoint")
		s.kickLoad()
		return nil
	})
}

// Kill pauses and clears the queue, cancels pending loads, stops the loop,
// waits for in-flight tasks and performs a final flush.
func (s *Service) Kill(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	for _, st := range s.states {
		st.loadedTasks = nil
	}
	s.mu.Unlock()

	s.loadMu.CancelPending()
	s.stopOnce.Do(func() { close(s.stop) })
	s.taskWG.Wait()
	s.loopWG.Wait()

	return s.flush(ctx)
}

// processEvents is one turn of the loop: load new tasks, dispatch what the
// dependency rules allow, emit progress.
func (s *Service) processEvents() {
	ctx := context.Background()
	err := s.loadMu.RunExclusive(ctx, func() error {
		return s.loadTasks(ctx)
	})
	if err != nil && !errors.Is(err, ErrLoadCanceled) {
		s.log.Error().Err(err).Msg("loading tasks")
	}
	s.dispatch()
	s.emitProcessed()
}
