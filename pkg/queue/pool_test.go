package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

func TestPoolProcessesQueuedSessions(t *testing.T) {
	store := newFakeSessionStore()
	store.pending = []*models.Session{
		{ID: "sess-1", Status: models.SessionStatusInProgress},
		{ID: "sess-2", Status: models.SessionStatusInProgress},
	}

	cfg := testQueueConfig()
	cfg.WorkerCount = 2

	sink := &recordingSink{}
	executor := &fixedExecutor{result: &ExecutionResult{
		Status:        models.SessionStatusCompleted,
		FinalAnalysis: "done",
	}}
	pool := NewWorkerPool("pod-1", store, cfg, executor, tarsysession.NewCancellationTracker(), sink)

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(context.Background())

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 2
	}, 2*time.Second, 10*time.Millisecond, "both sessions should be processed")
}

func TestPoolStartTwiceIsNoop(t *testing.T) {
	store := newFakeSessionStore()
	cfg := testQueueConfig()
	cfg.WorkerCount = 1

	pool := NewWorkerPool("pod-1", store, cfg, &fixedExecutor{result: &ExecutionResult{Status: models.SessionStatusCompleted}}, tarsysession.NewCancellationTracker(), nil)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Start(context.Background()))
	assert.Len(t, pool.workers, 1, "duplicate Start must not spawn more workers")

	pool.Stop(context.Background())
}

func TestPoolStopInterruptsHeldSessions(t *testing.T) {
	store := newFakeSessionStore()
	store.interrupted = []string{"sess-held"}

	sink := &recordingSink{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), nil, tarsysession.NewCancellationTracker(), sink)

	pool.Stop(context.Background())

	// Sessions the pod could not finish within the shutdown budget get a
	// failure event so subscribed clients see the change.
	require.Len(t, sink.session, 1)
	assert.Equal(t, events.EventTypeSessionFailed, sink.session[0].Type)
	assert.Equal(t, "sess-held", sink.session[0].SessionID)
	assert.Equal(t, "interrupted", sink.session[0].Error)
}

func TestPoolStopTwiceDoesNotPanic(t *testing.T) {
	pool := NewWorkerPool("pod-1", newFakeSessionStore(), testQueueConfig(), nil, tarsysession.NewCancellationTracker(), nil)
	pool.Stop(context.Background())
	assert.NotPanics(t, func() { pool.Stop(context.Background()) })
}

func TestPoolSweepOrphans(t *testing.T) {
	store := newFakeSessionStore()
	store.orphans = []string{"sess-a", "sess-b"}

	sink := &recordingSink{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), nil, tarsysession.NewCancellationTracker(), sink)

	require.NoError(t, pool.sweepOrphans(context.Background()))

	require.Len(t, sink.session, 2)
	for _, p := range sink.session {
		assert.Equal(t, events.EventTypeSessionFailed, p.Type)
		assert.Equal(t, string(models.SessionStatusFailed), p.Status)
		assert.Equal(t, services.OrphanedSessionError, p.Error)
	}

	h := pool.Health(context.Background())
	assert.Equal(t, 2, h.OrphansRecovered)
	assert.False(t, h.LastOrphanScan.IsZero())

	// A second sweep finds nothing and does not double count.
	require.NoError(t, pool.sweepOrphans(context.Background()))
	h = pool.Health(context.Background())
	assert.Equal(t, 2, h.OrphansRecovered)
}

func TestPoolHealth(t *testing.T) {
	store := newFakeSessionStore()
	store.pendingN = 7
	store.activeN = 2

	cfg := testQueueConfig()
	cfg.WorkerCount = 2

	pool := NewWorkerPool("pod-1", store, cfg, &fixedExecutor{result: &ExecutionResult{Status: models.SessionStatusCompleted}}, tarsysession.NewCancellationTracker(), nil)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(context.Background())

	h := pool.Health(context.Background())
	assert.True(t, h.IsHealthy)
	assert.True(t, h.DBReachable)
	assert.Equal(t, "pod-1", h.PodID)
	assert.Equal(t, 2, h.TotalWorkers)
	assert.Equal(t, 7, h.QueueDepth)
	assert.Equal(t, 2, h.ActiveSessions)
	assert.Len(t, h.WorkerStats, 2)
}

func TestPoolHealthUnhealthyWithoutWorkers(t *testing.T) {
	pool := NewWorkerPool("pod-1", newFakeSessionStore(), testQueueConfig(), nil, tarsysession.NewCancellationTracker(), nil)
	h := pool.Health(context.Background())
	assert.False(t, h.IsHealthy)
	assert.True(t, h.DBReachable)
}

func TestPoolHealthReportsDBError(t *testing.T) {
	store := newFakeSessionStore()
	store.countErr = context.DeadlineExceeded

	pool := NewWorkerPool("pod-1", store, testQueueConfig(), nil, tarsysession.NewCancellationTracker(), nil)
	h := pool.Health(context.Background())
	assert.False(t, h.IsHealthy)
	assert.False(t, h.DBReachable)
	assert.NotEmpty(t, h.DBError)
}
