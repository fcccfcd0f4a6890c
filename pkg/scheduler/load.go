package scheduler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

// fullyLoaded reports whether the key has buffered everything up to both the
// newest known matching event and the global checkpoint.
func (st *functionState) fullyLoaded(to checkpoints.Checkpoint) bool {
	return checkpoints.Compare(st.loadedTo, st.lastEvent) >= 0 &&
		checkpoints.Compare(st.loadedTo, to) >= 0
}

// loadTasks runs one loading pass under the loading lock: pick the keys that
// still have events to fetch, split the global batch budget between them, and
// append decoded tasks to each key's buffer.
func (s *Service) loadTasks(ctx context.Context) error {
	to := s.gateway.Checkpoint()

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil
	}
	var keys []string
	buffered := 0
	for _, key := range s.order {
		st := s.states[key]
		if st.fn.isSetup() {
			continue
		}
		if st.fullyLoaded(to) {
			buffered += len(st.loadedTasks)
			continue
		}
		keys = append(keys, key)
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	budget := (maxBatchSize - buffered) / len(keys)
	if budget <= 0 {
		return nil
	}

	for _, key := range keys {
		if err := s.loadKey(ctx, key, to, budget); err != nil {
			return fmt.Errorf("loading %s: %s", key, err)
		}
	}
	return nil
}

func (s *Service) loadKey(ctx context.Context, key string, to checkpoints.Checkpoint, budget int) error {
	s.mu.Lock()
	st := s.states[key]
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	from := st.loadedTo
	fn := st.fn
	s.mu.Unlock()

	if checkpoints.Compare(from, to) >= 0 {
		return nil
	}

	params := syncstore.GetLogEventsParams{
		FromCheckpoint: from,
		ToCheckpoint:   to,
		Limit:          budget,
	}
	if fn.Source.Filter != nil {
		params.LogFilters = []syncstore.LogFilterCriteria{{
			Name:          fn.ContractName,
			ChainID:       fn.Source.ChainID,
			Filter:        *fn.Source.Filter,
			EventSelector: fn.ABIEvent.ID,
		}}
	} else {
		params.Factories = []syncstore.FactoryCriteria{{
			Name:          fn.ContractName,
			ChainID:       fn.Source.ChainID,
			Factory:       *fn.Source.Factory,
			EventSelector: fn.ABIEvent.ID,
		}}
	}

	page, err := s.store.GetLogEvents(ctx, params)
	if err != nil {
		return err
	}

	var tasks []*task
	for i := range page.Events {
		ev := &page.Events[i]
		args, err := decodeEventArgs(fn.ABIEvent, ev.Log)
		if err != nil {
			// An indexed-argument filter can match a log whose payload does
			// not decode under the nominal ABI. Skip it.
			s.log.Warn().
				Err(err).
				Str("function", key).
				Str("log", ev.Log.ID).
				Msg("skipping undecodable event")
			continue
		}
		tasks = append(tasks, &task{
			kind:  taskLog,
			state: st,
			event: &Event{
				Name:        fn.EventName,
				Args:        args,
				Log:         ev.Log,
				Block:       ev.Block,
				Transaction: ev.Transaction,
				Checkpoint:  ev.Checkpoint,
			},
			checkpoint: ev.Checkpoint,
		})
	}
	if len(tasks) > 0 {
		tasks[len(tasks)-1].batchSize = len(tasks)
	}
	s.metrics.matchedEvents.Add(ctx, int64(len(page.Events)), s.metrics.attrs(key)...)

	s.mu.Lock()
	wasEmpty := len(st.loadedTasks) == 0
	st.loadedTasks = append(st.loadedTasks, tasks...)

	if page.HasNextPage {
		st.loadedTo = page.LastCheckpointInPage
	} else {
		st.loadedTo = to
	}
	if wasEmpty && len(st.loadedTasks) > 0 {
		st.loadedFrom = st.loadedTasks[0].checkpoint
	}
	if st.firstEvent == nil && len(tasks) > 0 {
		c := tasks[0].checkpoint
		st.firstEvent = &c
	}
	if page.LastCheckpoint != nil {
		st.lastEvent = checkpoints.MaxOf(st.lastEvent, *page.LastCheckpoint)
	}
	s.mu.Unlock()
	return nil
}

// decodeEventArgs decodes indexed args from topics and the rest from data.
func decodeEventArgs(ev *abi.Event, log syncstore.Log) (map[string]interface{}, error) {
	args := make(map[string]interface{})

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(log.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("log has %d topics, event %s needs %d", len(log.Topics), ev.Name, len(indexed)+1)
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:len(indexed)+1]); err != nil {
			return nil, fmt.Errorf("decoding indexed args: %s", err)
		}
	}
	if len(ev.Inputs.NonIndexed()) > 0 {
		if err := ev.Inputs.UnpackIntoMap(args, log.Data); err != nil {
			return nil, fmt.Errorf("decoding data args: %s", err)
		}
	}
	return args, nil
}
