package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrResultTimeout reports that a result wait exceeded its deadline.
var ErrResultTimeout = errors.New("result wait timed out")

// ResultWaiter lets one goroutine block until another posts a result for the
// same ID. It replaces polling on the results map: consumers call Expect then
// Wait; producers call Notify.
type ResultWaiter struct {
	mu      sync.Mutex
	pending map[string]chan any
}

// NewResultWaiter constructs an empty waiter.
func NewResultWaiter() *ResultWaiter {
	return &ResultWaiter{pending: make(map[string]chan any)}
}

// Expect registers interest in an ID. Calling it twice for the same ID is a
// no-op. Expect before dispatching the task to avoid a notify/wait race.
func (w *ResultWaiter) Expect(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; !ok {
		w.pending[id] = make(chan any, 1)
	}
}

// Notify fulfils a waiting ID. Returns false when nothing expects the ID; the
// result is dropped in that case.
func (w *ResultWaiter) Notify(id string, result any) bool {
	w.mu.Lock()
	ch, ok := w.pending[id]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
		return true
	default:
		// Already fulfilled; keep the first result.
		return false
	}
}

// Wait blocks until the ID is notified, the timeout elapses, or the context
// ends. The registration is consumed on return.
func (w *ResultWaiter) Wait(ctx context.Context, id string, timeout time.Duration) (any, error) {
	w.Expect(id)
	w.mu.Lock()
	ch := w.pending[id]
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrResultTimeout, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitMultiple waits for every ID sequentially within one overall deadline.
// Results are keyed by ID; the first timeout or cancellation aborts.
func (w *ResultWaiter) WaitMultiple(ctx context.Context, ids []string, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	results := make(map[string]any, len(ids))
	for _, id := range ids {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return results, fmt.Errorf("%w: %s", ErrResultTimeout, id)
		}
		result, err := w.Wait(ctx, id, remaining)
		if err != nil {
			return results, err
		}
		results[id] = result
	}
	return results, nil
}
