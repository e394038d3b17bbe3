package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.EventPublished("task.assigned")
	m.EventPublished("task.assigned")
	m.EventConsumed("task.completed")
	m.GateExecuted("gate-2", true)
	m.GateExecuted("gate-2", false)
	m.GateExecuted("gate-2", false)
	m.SetDLQDepth(4)
	m.CostAccrued("demo", 0.25)
	m.CostAccrued("demo", 0.75)

	require.InDelta(t, 2, testutil.ToFloat64(m.eventsPublished.WithLabelValues("task.assigned")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(m.eventsConsumed.WithLabelValues("task.completed")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(m.gateOutcomes.WithLabelValues("gate-2", "passed")), 1e-9)
	require.InDelta(t, 2, testutil.ToFloat64(m.gateOutcomes.WithLabelValues("gate-2", "failed")), 1e-9)
	require.InDelta(t, 4, testutil.ToFloat64(m.dlqDepth), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(m.costUSD.WithLabelValues("demo")), 1e-9)
}

func TestSetStoriesZeroesStaleStatuses(t *testing.T) {
	m := New()

	m.SetStories(map[string]int{"in_progress": 3, "failed": 1})
	require.InDelta(t, 3, testutil.ToFloat64(m.storiesByStatus.WithLabelValues("in_progress")), 1e-9)

	m.SetStories(map[string]int{"complete": 4})
	require.InDelta(t, 4, testutil.ToFloat64(m.storiesByStatus.WithLabelValues("complete")), 1e-9)
	// Reset dropped the old series entirely.
	require.Equal(t, 1, testutil.CollectAndCount(m.storiesByStatus))
}

func TestTaskDurationObserves(t *testing.T) {
	m := New()
	m.TaskDone("be", 1200*time.Millisecond)
	m.TaskDone("be", 300*time.Millisecond)
	m.TaskDone("fe", 2*time.Second)
	require.Equal(t, 2, testutil.CollectAndCount(m.taskDuration))
}

func TestHandlerServesScrape(t *testing.T) {
	m := New()
	m.SetQueueDepths(map[string]int{"be": 2})
	m.EventPublished("agent.ready")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `wave_queue_depth{domain="be"} 2`)
	require.Contains(t, string(body), `wave_events_published_total{event_type="agent.ready"} 1`)
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.EventPublished("task.assigned")

	require.InDelta(t, 1, testutil.ToFloat64(a.eventsPublished.WithLabelValues("task.assigned")), 1e-9)
	require.InDelta(t, 0, testutil.ToFloat64(b.eventsPublished.WithLabelValues("task.assigned")), 1e-9)
}

type fakeSampler struct{ depths map[string]int }

func (f fakeSampler) Depths() map[string]int { return f.depths }

func TestPollQueueSamplesUntilCancelled(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.PollQueue(ctx, fakeSampler{depths: map[string]int{"qa": 5}}, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.queueDepth.WithLabelValues("qa")) == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}

func TestPollDLQSkipsFailedSamples(t *testing.T) {
	m := New()
	m.SetDLQDepth(7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.PollDLQ(ctx, func(context.Context) (int64, error) {
			calls++
			if calls < 3 {
				return 0, io.ErrUnexpectedEOF
			}
			return 11, nil
		}, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.dlqDepth) == 11
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
