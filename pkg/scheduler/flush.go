package scheduler

import (
	"context"
	"fmt"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/syncstore"
)

// flush persists per-function progress rows. A function's durable frontier is
// its state checkpoint capped at the global finality checkpoint, since
// anything beyond finality can still reorg away. Zero rows are omitted;
// completed setup functions persist a sentinel row so they never run twice.
func (s *Service) flush(ctx context.Context) error {
	finality := s.gateway.FinalityCheckpoint()

	s.mu.Lock()
	var rows []syncstore.FunctionMetadata
	for _, key := range s.order {
		st := s.states[key]
		if st.fn.isSetup() {
			if s.setupDone[key] {
				rows = append(rows, syncstore.FunctionMetadata{
					FunctionID:     key,
					FunctionName:   st.fn.EventName,
					FromCheckpoint: checkpoints.Zero,
					ToCheckpoint:   st.processedTo,
					EventCount:     1,
				})
			}
			continue
		}

		to := checkpoints.MinOf(st.stateCheckpoint(), finality)
		if checkpoints.Equal(to, checkpoints.Zero) {
			continue
		}
		from := checkpoints.Zero
		if st.firstEvent != nil {
			from = *st.firstEvent
		}
		rows = append(rows, syncstore.FunctionMetadata{
			FunctionID:     key,
			FunctionName:   st.fn.EventName,
			FromCheckpoint: from,
			ToCheckpoint:   to,
			EventCount:     st.eventCount,
		})
	}
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := s.store.InsertFunctionMetadata(ctx, rows); err != nil {
		return fmt.Errorf("persisting function metadata: %s", err)
	}
	return nil
}
