package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrLoadCanceled reports that a pending exclusive section was canceled by a
// reset or shutdown. Callers must treat it as "stop quietly", not a failure.
var ErrLoadCanceled = errors.New("load canceled")

// cancelableMutex serializes batch loading and reorg handling. CancelPending
// releases every goroutine still waiting for the slot with ErrLoadCanceled;
// the current holder is not interrupted.
type cancelableMutex struct {
	slot chan struct{}

	mu     sync.Mutex
	cancel chan struct{}
}

func newCancelableMutex() *cancelableMutex {
	return &cancelableMutex{
		slot:   make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}
}

// RunExclusive runs fn while holding the mutex.
func (m *cancelableMutex) RunExclusive(ctx context.Context, fn func() error) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	select {
	case m.slot <- struct{}{}:
	case <-cancel:
		return ErrLoadCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.slot }()

	select {
	case <-cancel:
		return ErrLoadCanceled
	default:
	}
	return fn()
}

// CancelPending aborts all waiters. Later RunExclusive calls proceed
// normally.
func (m *cancelableMutex) CancelPending() {
	m.mu.Lock()
	close(m.cancel)
	m.cancel = make(chan struct{})
	m.mu.Unlock()
}
