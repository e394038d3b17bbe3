package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func task(id, domain string) *Task {
	return &Task{ID: id, StoryID: "story-1", Domain: domain, Action: "implement"}
}

func TestDequeueReturnsFIFOOrder(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.Enqueue(task("t1", "be")))
	require.NoError(t, q.Enqueue(task("t2", "be")))
	require.NoError(t, q.Enqueue(task("t3", "be")))

	ctx := context.Background()
	for _, want := range []string{"t1", "t2", "t3"} {
		got, err := q.Dequeue(ctx, "be", time.Second)
		require.NoError(t, err)
		require.Equal(t, want, got.ID)
	}
}

func TestDequeueZeroTimeoutReturnsImmediately(t *testing.T) {
	q := NewQueue(QueueOptions{})
	start := time.Now()
	_, err := q.Dequeue(context.Background(), "be", 0)
	require.ErrorIs(t, err, ErrEmpty)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q := NewQueue(QueueOptions{})
	start := time.Now()
	_, err := q.Dequeue(context.Background(), "be", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := NewQueue(QueueOptions{})
	type res struct {
		task *Task
		err  error
	}
	got := make(chan res, 1)
	go func() {
		task, err := q.Dequeue(context.Background(), "be", 5*time.Second)
		got <- res{task, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(task("t1", "be")))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, "t1", r.task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestDequeueDomainsAreIsolated(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.Enqueue(task("t1", "be")))

	_, err := q.Dequeue(context.Background(), "fe", 0)
	require.ErrorIs(t, err, ErrEmpty)

	got, err := q.Dequeue(context.Background(), "be", 0)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
}

func TestDequeueHonorsHalt(t *testing.T) {
	stop := errors.New("emergency stop engaged")
	var mu sync.Mutex
	tripped := false
	q := NewQueue(QueueOptions{Halt: func() error {
		mu.Lock()
		defer mu.Unlock()
		if tripped {
			return stop
		}
		return nil
	}})

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), "be", 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	tripped = true
	mu.Unlock()

	select {
	case err := <-done:
		require.ErrorIs(t, err, stop)
	case <-time.After(2 * time.Second):
		t.Fatal("halt did not interrupt the dequeue")
	}
}

func TestSingleDeliveryAcrossConsumers(t *testing.T) {
	q := NewQueue(QueueOptions{})
	winners := make(chan string, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if task, err := q.Dequeue(context.Background(), "be", 200*time.Millisecond); err == nil {
				winners <- task.ID
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(task("t1", "be")))
	wg.Wait()
	close(winners)

	var ids []string
	for id := range winners {
		ids = append(ids, id)
	}
	require.Equal(t, []string{"t1"}, ids, "exactly one consumer wins the task")
}

func TestMarkInProgressTracksClaims(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.Enqueue(task("t1", "be")))
	_, err := q.Dequeue(context.Background(), "be", 0)
	require.NoError(t, err)

	require.ErrorIs(t, q.MarkInProgress("bogus", "w1"), ErrUnknownTask)
	require.NoError(t, q.MarkInProgress("t1", "w1"))
	require.ErrorIs(t, q.MarkInProgress("t1", "w2"), ErrClaimed)

	claims := q.Claims()
	require.Len(t, claims, 1)
	require.Equal(t, "t1", claims[0].Task.ID)
	require.Equal(t, "w1", claims[0].WorkerID)
	require.False(t, claims[0].Since.IsZero())
}

func TestReleaseDropsClaimWithoutResult(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.Enqueue(task("t1", "be")))
	_, err := q.Dequeue(context.Background(), "be", 0)
	require.NoError(t, err)
	require.NoError(t, q.MarkInProgress("t1", "w1"))

	q.Release("t1")
	require.Empty(t, q.Claims())
	_, ok := q.Result("t1")
	require.False(t, ok)
	require.ErrorIs(t, q.MarkInProgress("t1", "w1"), ErrUnknownTask)
}

func TestSubmitResultWakesWaiter(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.Enqueue(task("t1", "be")))

	type res struct {
		result Result
		err    error
	}
	got := make(chan res, 1)
	go func() {
		r, err := q.WaitResult(context.Background(), "t1", 5*time.Second)
		got <- res{r, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.SubmitResult(Result{
		TaskID:      "t1",
		Status:      StatusCompleted,
		Domain:      "be",
		WorkerID:    "w1",
		Duration:    time.Second,
		SafetyScore: 1.0,
	}))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, StatusCompleted, r.result.Status)
		require.Equal(t, "w1", r.result.WorkerID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
	}

	// Consumed results leave the mailbox; the task is retired.
	_, ok := q.Result("t1")
	require.False(t, ok)
	require.Empty(t, q.Claims())
}

func TestWaitResultFindsStoredResult(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.SubmitResult(Result{TaskID: "t1", Status: StatusFailed, Err: "exploded"}))

	r, err := q.WaitResult(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, r.Status)
	require.Equal(t, "exploded", r.Err)
}

func TestWaitResultTimesOut(t *testing.T) {
	q := NewQueue(QueueOptions{})
	_, err := q.WaitResult(context.Background(), "never", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrResultTimeout)
}

func TestDepths(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.NoError(t, q.Enqueue(task("t1", "be")))
	require.NoError(t, q.Enqueue(task("t2", "be")))
	require.NoError(t, q.Enqueue(task("t3", "fe")))

	require.Equal(t, 2, q.Depth("be"))
	require.Equal(t, 1, q.Depth("fe"))
	require.Equal(t, 0, q.Depth("qa"))
	require.Equal(t, map[string]int{"be": 2, "fe": 1}, q.Depths())
}

func TestEnqueueValidation(t *testing.T) {
	q := NewQueue(QueueOptions{})
	require.Error(t, q.Enqueue(nil))
	require.Error(t, q.Enqueue(&Task{Domain: "be"}))
	require.Error(t, q.Enqueue(&Task{ID: "t1"}))
}
