package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/models"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

// WorkerPool manages the pod's queue workers and the orphan sweep loop.
type WorkerPool struct {
	podID    string
	store    SessionStore
	config   *config.QueueConfig
	executor SessionExecutor
	tracker  *tarsysession.CancellationTracker
	sink     EventSink

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	orphans orphanState
}

// NewWorkerPool creates a new worker pool. sink may be nil.
func NewWorkerPool(
	podID string,
	store SessionStore,
	cfg *config.QueueConfig,
	executor SessionExecutor,
	tracker *tarsysession.CancellationTracker,
	sink EventSink,
) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		store:    store,
		config:   cfg,
		executor: executor,
		tracker:  tracker,
		sink:     sink,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the startup orphan sweep, then spawns the worker goroutines
// and the periodic orphan sweep. Safe to call multiple times; subsequent
// calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	// Sweep before claiming: sessions this pod (or a dead sibling) left
	// in_progress must not linger while new work is picked up.
	if err := p.sweepOrphans(ctx); err != nil {
		slog.Error("Startup orphan sweep failed", "error", err)
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executor, p.tracker, p.sink)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanSweeps(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for their current sessions
// to finish, then marks any sessions this pod still holds as failed
// with "interrupted".
func (p *WorkerPool) Stop(ctx context.Context) {
	slog.Info("Stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	// Anything still in_progress under this pod at this point did not
	// finish within the shutdown budget.
	interrupted, err := p.store.InterruptPodSessions(ctx, p.podID)
	if err != nil {
		slog.Error("Failed to interrupt pod sessions during shutdown", "error", err)
	} else if len(interrupted) > 0 {
		slog.Warn("Interrupted in-flight sessions during shutdown",
			"count", len(interrupted), "session_ids", interrupted)
		for _, id := range interrupted {
			p.publishSweepFailure(ctx, id, "interrupted")
		}
	}

	slog.Info("Worker pool stopped gracefully")
}

// Health returns the current health snapshot of the pool.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	queueDepth, errQ := p.store.CountSessions(ctx, models.SessionStatusPending, "")
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", errQ)
	}

	activeSessions, errA := p.store.CountSessions(ctx, models.SessionStatusInProgress, p.podID)
	if errA != nil {
		slog.Error("Failed to query active sessions for health check", "pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeSessions <= p.config.MaxConcurrentSessions && dbHealthy

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	} else if errA != nil {
		dbError = fmt.Sprintf("active sessions query failed: %v", errA)
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastScan
	orphansRecovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveSessions:   activeSessions,
		MaxConcurrent:    p.config.MaxConcurrentSessions,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}
