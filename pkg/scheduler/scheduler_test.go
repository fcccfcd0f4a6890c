package scheduler

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/entitystore"
	entityimpl "github.com/d-mooers/ponder/pkg/entitystore/impl"
	"github.com/d-mooers/ponder/pkg/eventfilter"
	"github.com/d-mooers/ponder/pkg/syncgateway"
	"github.com/d-mooers/ponder/pkg/syncstore"
	syncimpl "github.com/d-mooers/ponder/pkg/syncstore/impl"
	"github.com/d-mooers/ponder/tests"
)

var (
	tokenAddr    = common.BigToAddress(big.NewInt(0x70))
	senderAddr   = common.BigToAddress(big.NewInt(0x71))
	receiverAddr = common.BigToAddress(big.NewInt(0x72))
)

func transferEvent(t *testing.T) *abi.Event {
	t.Helper()
	address, err := abi.NewType("address", "", nil)
	require.NoError(t, err)
	uint256, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	ev := abi.NewEvent("Transfer", "Transfer", false, abi.Arguments{
		{Name: "from", Type: address, Indexed: true},
		{Name: "to", Type: address, Indexed: true},
		{Name: "value", Type: uint256},
	})
	return &ev
}

type testEnv struct {
	store   *syncimpl.Store
	ents    *entityimpl.Store
	gateway *syncgateway.Gateway
	svc     *Service
}

func newTestEnv(t *testing.T, chainIDs ...uint64) *testEnv {
	t.Helper()
	if len(chainIDs) == 0 {
		chainIDs = []uint64{1}
	}
	store, err := syncimpl.Open(tests.Sqlite3URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gateway, err := syncgateway.New(chainIDs)
	require.NoError(t, err)

	ents := entityimpl.New()
	svc, err := New(store, ents, gateway, nil, WithFlushInterval(time.Hour))
	require.NoError(t, err)
	return &testEnv{store: store, ents: ents, gateway: gateway, svc: svc}
}

func logFilterSource(name string, chainID uint64) eventfilter.Source {
	return eventfilter.Source{
		Name:    name,
		Network: "mainnet",
		ChainID: chainID,
		Filter:  &eventfilter.LogFilter{Addresses: []common.Address{tokenAddr}},
	}
}

// recorder collects handler invocations.
type recorder struct {
	mu          sync.Mutex
	checkpoints []checkpoints.Checkpoint
	concurrent  int
	maxParallel int
}

func (r *recorder) handler(delay time.Duration) Handler {
	return HandlerFunc(func(ctx context.Context, call Call, ev *Event) error {
		r.mu.Lock()
		r.concurrent++
		if r.concurrent > r.maxParallel {
			r.maxParallel = r.concurrent
		}
		r.mu.Unlock()

		time.Sleep(delay)

		r.mu.Lock()
		r.concurrent--
		if ev != nil {
			r.checkpoints = append(r.checkpoints, ev.Checkpoint)
		}
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) seen() []checkpoints.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]checkpoints.Checkpoint, len(r.checkpoints))
	copy(out, r.checkpoints)
	return out
}

func newState(fn Function, seed checkpoints.Checkpoint) *functionState {
	return &functionState{
		fn:          fn,
		processedTo: seed,
		loadedFrom:  seed,
		loadedTo:    seed,
		lastEvent:   checkpoints.Zero,
	}
}

func logTask(st *functionState, c checkpoints.Checkpoint) *task {
	return &task{
		kind:       taskLog,
		state:      st,
		checkpoint: c,
		event:      &Event{Name: st.fn.EventName, Checkpoint: c},
	}
}

func TestBuildStatesDependencies(t *testing.T) {
	t.Parallel()
	noop := HandlerFunc(func(context.Context, Call, *Event) error { return nil })
	functions := []Function{
		{
			ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
			Source: logFilterSource("A", 1), ABIEvent: transferEvent(t), Handler: noop,
			Access: TableAccess{Writes: []string{"T"}},
		},
		{
			ID: "B:Transfer", ContractName: "B", EventName: "Transfer",
			Source: logFilterSource("B", 1), ABIEvent: transferEvent(t), Handler: noop,
			Access: TableAccess{Reads: []string{"T"}, Writes: []string{"U"}},
		},
		{
			ID: "C:Transfer", ContractName: "C", EventName: "Transfer",
			Source: logFilterSource("C", 1), ABIEvent: transferEvent(t), Handler: noop,
			Access: TableAccess{Reads: []string{"U"}, Writes: []string{"U"}},
		},
	}

	states, order, err := buildStates(functions, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"A:Transfer", "B:Transfer", "C:Transfer"}, order)

	require.Empty(t, states["A:Transfer"].parents)
	require.False(t, states["A:Transfer"].selfDependent)

	require.Len(t, states["B:Transfer"].parents, 1)
	require.Equal(t, "A:Transfer", states["B:Transfer"].parents[0].fn.ID)
	require.False(t, states["B:Transfer"].selfDependent)

	// C reads and writes U: self-dependent, plus a parent on B.
	require.Len(t, states["C:Transfer"].parents, 1)
	require.Equal(t, "B:Transfer", states["C:Transfer"].parents[0].fn.ID)
	require.True(t, states["C:Transfer"].selfDependent)
}

func TestDependencyDispatchHoldsChildTasks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc

	rec := &recorder{}
	parentFn := Function{
		ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
		Source: logFilterSource("A", 1), ABIEvent: transferEvent(t),
		Handler: rec.handler(0), Access: TableAccess{Writes: []string{"T"}},
	}
	childFn := Function{
		ID: "B:Transfer", ContractName: "B", EventName: "Transfer",
		Source: logFilterSource("B", 1), ABIEvent: transferEvent(t),
		Handler: rec.handler(0), Access: TableAccess{Reads: []string{"T"}},
	}

	parent := newState(parentFn, checkpoints.Zero)
	parent.loadedFrom = checkpoints.NewBlock(50, 1, 50)
	child := newState(childFn, checkpoints.Zero)
	child.parents = []*functionState{parent}
	for _, ts := range []uint64{30, 45, 60} {
		child.loadedTasks = append(child.loadedTasks, logTask(child, checkpoints.New(ts, 1, ts, 0)))
	}
	child.loadedFrom = child.loadedTasks[0].checkpoint

	s.mu.Lock()
	s.states = map[string]*functionState{"A:Transfer": parent, "B:Transfer": child}
	s.order = []string{"A:Transfer", "B:Transfer"}
	s.paused = false
	s.mu.Unlock()

	s.dispatch()
	s.taskWG.Wait()

	// Only the prefix at or below the parent's frontier ran. The two tasks
	// execute concurrently, so compare as a set.
	seen := rec.seen()
	require.Len(t, seen, 2)
	sort.Slice(seen, func(i, j int) bool { return checkpoints.Compare(seen[i], seen[j]) < 0 })
	require.True(t, checkpoints.Equal(checkpoints.New(30, 1, 30, 0), seen[0]))
	require.True(t, checkpoints.Equal(checkpoints.New(45, 1, 45, 0), seen[1]))

	s.mu.Lock()
	require.Len(t, child.loadedTasks, 1)
	require.True(t, checkpoints.Equal(checkpoints.New(60, 1, 60, 0), child.loadedTasks[0].checkpoint))
	s.mu.Unlock()

	// The parent advancing releases the held task.
	s.mu.Lock()
	parent.loadedFrom = checkpoints.NewBlock(70, 1, 70)
	s.mu.Unlock()
	s.dispatch()
	s.taskWG.Wait()
	require.Len(t, rec.seen(), 3)
}

func TestSelfDependentTasksRunSerially(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc

	rec := &recorder{}
	fn := Function{
		ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
		Source: logFilterSource("A", 1), ABIEvent: transferEvent(t),
		Handler: rec.handler(10 * time.Millisecond),
		Access:  TableAccess{Reads: []string{"T"}, Writes: []string{"T"}},
	}
	st := newState(fn, checkpoints.Zero)
	st.selfDependent = true
	for _, ts := range []uint64{10, 20, 30} {
		st.loadedTasks = append(st.loadedTasks, logTask(st, checkpoints.New(ts, 1, ts, 0)))
	}
	st.loadedFrom = st.loadedTasks[0].checkpoint

	s.mu.Lock()
	s.states = map[string]*functionState{"A:Transfer": st}
	s.order = []string{"A:Transfer"}
	s.paused = false
	s.mu.Unlock()

	for i := 0; i < 3; i++ {
		s.dispatch()
		s.taskWG.Wait()
	}

	seen := rec.seen()
	require.Len(t, seen, 3)
	for i := 1; i < len(seen); i++ {
		require.Equal(t, -1, checkpoints.Compare(seen[i-1], seen[i]))
	}
	require.Equal(t, 1, rec.maxParallel)
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc

	rec := &recorder{}
	fn := Function{
		ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
		Source: logFilterSource("A", 1), ABIEvent: transferEvent(t),
		Handler: rec.handler(20 * time.Millisecond),
	}
	st := newState(fn, checkpoints.Zero)
	for _, ts := range []uint64{10, 20, 30, 40} {
		st.loadedTasks = append(st.loadedTasks, logTask(st, checkpoints.New(ts, 1, ts, 0)))
	}
	st.loadedFrom = st.loadedTasks[0].checkpoint

	s.mu.Lock()
	s.states = map[string]*functionState{"A:Transfer": st}
	s.order = []string{"A:Transfer"}
	s.paused = false
	s.mu.Unlock()

	s.dispatch()
	s.taskWG.Wait()

	require.Len(t, rec.seen(), 4)
	require.Greater(t, rec.maxParallel, 1)
}

func TestRetrySucceedsWithoutPartialWrites(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc
	ctx := context.Background()

	attempts := 0
	fn := Function{
		ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
		Source: logFilterSource("A", 1), ABIEvent: transferEvent(t),
		Handler: HandlerFunc(func(ctx context.Context, call Call, ev *Event) error {
			attempts++
			if _, err := call.DB.Create(ctx, "Account", "0xa", entitystore.Entity{"n": int64(attempts)}); err != nil {
				return err
			}
			if attempts < 3 {
				return fmt.Errorf("transient failure")
			}
			return nil
		}),
	}
	st := newState(fn, checkpoints.Zero)
	tk := logTask(st, checkpoints.New(10, 1, 10, 0))

	require.NoError(t, s.executeTask(ctx, tk))
	require.Equal(t, 3, attempts)

	// Only the successful attempt's write landed; earlier attempts left no
	// entity behind (Create would have failed otherwise).
	got, err := env.ents.FindUnique(ctx, "Account", "0xa")
	require.NoError(t, err)
	require.Equal(t, int64(3), got["n"])
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc
	ctx := context.Background()

	attempts := 0
	fn := Function{
		ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
		Source: logFilterSource("A", 1), ABIEvent: transferEvent(t),
		Handler: HandlerFunc(func(context.Context, Call, *Event) error {
			attempts++
			return syncstore.NonRetryable(fmt.Errorf("bad input"))
		}),
	}
	st := newState(fn, checkpoints.Zero)

	err := s.executeTask(ctx, logTask(st, checkpoints.New(10, 1, 10, 0)))
	require.ErrorIs(t, err, syncstore.ErrNonRetryable)
	require.Equal(t, 1, attempts)
}

func TestExhaustedRetriesPauseAndEmitError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc

	var emitted []error
	s.OnError(func(err error) { emitted = append(emitted, err) })

	fn := Function{
		ID: "A:Transfer", ContractName: "A", EventName: "Transfer",
		Source: logFilterSource("A", 1), ABIEvent: transferEvent(t),
		Handler: HandlerFunc(func(context.Context, Call, *Event) error {
			return fmt.Errorf("always fails")
		}),
	}
	st := newState(fn, checkpoints.Zero)
	st.loadedTasks = []*task{logTask(st, checkpoints.New(10, 1, 10, 0))}
	st.loadedFrom = st.loadedTasks[0].checkpoint

	s.mu.Lock()
	s.states = map[string]*functionState{"A:Transfer": st}
	s.order = []string{"A:Transfer"}
	s.paused = false
	s.mu.Unlock()

	s.dispatch()
	s.taskWG.Wait()

	require.Len(t, emitted, 1)
	require.Contains(t, emitted[0].Error(), "A:Transfer")
	s.mu.Lock()
	require.True(t, s.paused)
	require.Empty(t, st.loadedTasks)
	s.mu.Unlock()
	require.Equal(t, int64(1), s.metrics.hasError.Load())
}

func TestHandleReorgClampsAndReverts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := env.svc
	ctx := context.Background()

	// Entity written past the safe checkpoint must disappear.
	_, err := env.ents.Create(ctx, checkpoints.New(100, 1, 1000, 5), "Account", "0xa", entitystore.Entity{})
	require.NoError(t, err)

	noop := HandlerFunc(func(context.Context, Call, *Event) error { return nil })
	mk := func(id string) *functionState {
		st := newState(Function{
			ID: id, ContractName: "A", EventName: "Transfer",
			Source: logFilterSource("A", 1), ABIEvent: transferEvent(t), Handler: noop,
		}, checkpoints.Zero)
		c := checkpoints.New(100, 1, 1000, 5)
		st.processedTo, st.loadedFrom, st.loadedTo = c, c, c
		st.loadedTasks = []*task{logTask(st, checkpoints.New(120, 1, 1100, 0))}
		return st
	}
	a, b := mk("A:Transfer"), mk("B:Transfer")

	s.mu.Lock()
	s.states = map[string]*functionState{"A:Transfer": a, "B:Transfer": b}
	s.order = []string{"A:Transfer", "B:Transfer"}
	s.paused = false
	s.mu.Unlock()

	safe := checkpoints.NewBlock(90, 1, 900)
	require.NoError(t, s.HandleReorg(ctx, safe))

	for _, st := range []*functionState{a, b} {
		require.True(t, checkpoints.Equal(safe, st.processedTo))
		require.True(t, checkpoints.Equal(safe, st.loadedFrom))
		require.True(t, checkpoints.Equal(safe, st.loadedTo))
		require.Empty(t, st.loadedTasks)
	}
	_, err = env.ents.FindUnique(ctx, "Account", "0xa")
	require.ErrorIs(t, err, entitystore.ErrNotFound)

	// A reorg at or past every function's progress is a no-op.
	require.NoError(t, s.HandleReorg(ctx, checkpoints.NewBlock(95, 1, 950)))
}

func insertTransfer(t *testing.T, store *syncimpl.Store, ev *abi.Event, chainID, number, ts uint64, value int64) {
	t.Helper()
	b := syncstore.Block{
		ChainID:    chainID,
		Hash:       common.BigToHash(new(big.Int).SetUint64(chainID*1_000_000 + number)),
		ParentHash: common.BigToHash(new(big.Int).SetUint64(chainID*1_000_000 + number - 1)),
		Number:     number,
		Timestamp:  ts,
	}
	txn := syncstore.Transaction{
		ChainID:   chainID,
		Hash:      common.BigToHash(new(big.Int).SetUint64(chainID*10_000_000 + number)),
		BlockHash: b.Hash, BlockNumber: number,
		From: senderAddr, Value: big.NewInt(0), Gas: 21_000, GasPrice: big.NewInt(1),
	}
	log := syncstore.Log{
		ID:              syncstore.LogID(chainID, b.Hash, 0),
		ChainID:         chainID,
		BlockHash:       b.Hash,
		BlockNumber:     number,
		TransactionHash: txn.Hash,
		Address:         tokenAddr,
		Data:            common.BigToHash(big.NewInt(value)).Bytes(),
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(senderAddr.Bytes()),
			common.BytesToHash(receiverAddr.Bytes()),
		},
	}
	err := store.InsertRealtimeBlock(context.Background(), chainID, b, []syncstore.Transaction{txn}, []syncstore.Log{log})
	require.NoError(t, err)
}

func TestSchedulerEndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ev := transferEvent(t)

	for i := uint64(1); i <= 3; i++ {
		insertTransfer(t, env.store, ev, 1, i, i*100, int64(i*10))
	}

	var processed []checkpoints.Checkpoint
	var processedMu sync.Mutex
	env.svc.OnEventsProcessed(func(c checkpoints.Checkpoint) {
		processedMu.Lock()
		processed = append(processed, c)
		processedMu.Unlock()
	})

	fn := Function{
		ID: "Token:Transfer", ContractName: "Token", EventName: "Transfer",
		Source: logFilterSource("Token", 1), ABIEvent: ev,
		Access: TableAccess{Writes: []string{"Transfer"}},
		Handler: HandlerFunc(func(ctx context.Context, call Call, e *Event) error {
			require.Equal(t, "mainnet", call.NetworkName)
			require.Equal(t, uint64(1), call.ChainID)
			require.Equal(t, senderAddr, e.Args["from"].(common.Address))
			_, err := call.DB.Create(ctx, "Transfer", e.Log.ID, entitystore.Entity{
				"value": e.Args["value"].(*big.Int).Int64(),
			})
			return err
		}),
	}
	setup := Function{
		ID: "Token:setup", ContractName: "Token", EventName: "setup",
		Source: logFilterSource("Token", 1),
		Handler: HandlerFunc(func(ctx context.Context, call Call, e *Event) error {
			require.Nil(t, e)
			_, err := call.DB.Create(ctx, "Meta", "singleton", entitystore.Entity{"ready": true})
			return err
		}),
	}

	require.NoError(t, env.svc.Reset(context.Background(), []Function{fn, setup}))
	env.svc.Start()
	env.gateway.HandleNewHistoricalCheckpoint(checkpoints.NewBlock(300, 1, 3))
	env.gateway.HandleNewFinalityCheckpoint(checkpoints.NewBlock(300, 1, 3))

	require.Eventually(t, func() bool {
		transfers, err := env.ents.FindMany(context.Background(), "Transfer", nil)
		require.NoError(t, err)
		return len(transfers) == 3
	}, 5*time.Second, 10*time.Millisecond)

	_, err := env.ents.FindUnique(context.Background(), "Meta", "singleton")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		processedMu.Lock()
		defer processedMu.Unlock()
		return len(processed) > 0 &&
			checkpoints.Equal(checkpoints.NewBlock(300, 1, 3), processed[len(processed)-1])
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.svc.Kill(context.Background()))

	// Progress was flushed: a fresh scheduler resumes past the processed
	// events and does not re-run setup.
	rows, err := env.store.GetFunctionMetadata(context.Background())
	require.NoError(t, err)
	byID := map[string]syncstore.FunctionMetadata{}
	for _, row := range rows {
		byID[row.FunctionID] = row
	}
	require.Equal(t, int64(3), byID["Token:Transfer"].EventCount)
	require.Contains(t, byID, "Token:setup")

	svc2, err := New(env.store, env.ents, env.gateway, nil, WithFlushInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc2.Reset(context.Background(), []Function{fn, setup}))
	svc2.mu.Lock()
	require.True(t, svc2.setupDone["Token:setup"])
	require.Empty(t, svc2.states["Token:setup"].loadedTasks)
	svc2.mu.Unlock()
	require.NoError(t, svc2.Kill(context.Background()))
}

func TestLoadCanceledSentinel(t *testing.T) {
	t.Parallel()
	m := newCancelableMutex()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = m.RunExclusive(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	got := make(chan error, 1)
	go func() {
		got <- m.RunExclusive(context.Background(), func() error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	m.CancelPending()
	require.ErrorIs(t, <-got, ErrLoadCanceled)

	close(release)
	// The mutex still works after a cancellation round.
	require.NoError(t, m.RunExclusive(context.Background(), func() error { return nil }))
}
