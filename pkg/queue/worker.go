package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes sessions.
//
// There is no separate heartbeat goroutine: the session heartbeat rides
// on interaction log writes (every LLM/MCP record bumps
// last_interaction_at_us), so a session making progress is never swept
// as an orphan.
type Worker struct {
	id       string
	podID    string
	store    SessionStore
	config   *config.QueueConfig
	executor SessionExecutor
	tracker  *tarsysession.CancellationTracker
	sink     EventSink
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentSessionID  string
	sessionsProcessed int
	lastActivity      time.Time
}

// NewWorker creates a new queue worker. sink may be nil (streaming disabled).
func NewWorker(
	id, podID string,
	store SessionStore,
	cfg *config.QueueConfig,
	executor SessionExecutor,
	tracker *tarsysession.CancellationTracker,
	sink EventSink,
) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		executor:     executor,
		tracker:      tracker,
		sink:         sink,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its
// current session. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentSessionID:  w.currentSessionID,
		SessionsProcessed: w.sessionsProcessed,
		LastActivity:      w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoSessionsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing session", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending session and runs it to a
// terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	session, err := w.claim(ctx)
	if err != nil {
		return err
	}

	log := slog.With("session_id", session.ID, "worker_id", w.id)
	log.Info("Session claimed", "alert_type", session.AlertType, "chain_id", session.ChainID)

	w.publishSessionEvent(ctx, session, events.EventTypeSessionStarted, models.SessionStatusInProgress, "")

	w.setStatus(WorkerStatusWorking, session.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	sessionCtx, cancelSession := context.WithTimeout(ctx, w.config.SessionTimeout)
	defer cancelSession()

	// Register with the tracker so the cancel endpoint can interrupt a
	// session running on this pod.
	w.tracker.Register(session.ID, cancelSession)
	defer w.tracker.Clear(session.ID)

	result := w.executor.Execute(sessionCtx, session)
	result = w.normalizeResult(sessionCtx, session.ID, result)

	// Terminal status write runs on a background-derived context inside
	// the store; the session context is likely cancelled by now.
	if err := w.finishSession(session, result); err != nil {
		if errors.Is(err, services.ErrConflict) {
			// Someone else (cancel endpoint, orphan sweep) already wrote a
			// terminal status and published its event.
			log.Info("Session already terminal, skipping terminal write", "status", result.Status)
		} else {
			log.Error("Failed to update session terminal status", "error", err)
			return err
		}
	} else {
		w.publishTerminalEvent(session, result)
	}

	w.mu.Lock()
	w.sessionsProcessed++
	w.mu.Unlock()

	log.Info("Session processing complete", "status", result.Status)
	return nil
}

// claim maps the store's sentinel errors onto the queue's.
func (w *Worker) claim(ctx context.Context) (*models.Session, error) {
	session, err := w.store.ClaimNextPending(ctx, w.podID, w.config.MaxConcurrentSessions)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return nil, ErrNoSessionsAvailable
		case errors.Is(err, services.ErrConflict):
			return nil, ErrAtCapacity
		default:
			return nil, fmt.Errorf("failed to claim session: %w", err)
		}
	}
	return session, nil
}

// normalizeResult guards against a nil or statusless result from the
// executor, deriving the terminal state from the session context.
func (w *Worker) normalizeResult(sessionCtx context.Context, sessionID string, result *ExecutionResult) *ExecutionResult {
	if result != nil && result.Status != "" {
		return result
	}

	switch {
	case w.tracker.IsUserCancel(sessionID):
		return &ExecutionResult{Status: models.SessionStatusCancelled}
	case errors.Is(sessionCtx.Err(), context.DeadlineExceeded):
		return &ExecutionResult{
			Status: models.SessionStatusFailed,
			Error:  fmt.Errorf("session timed out after %s", w.config.SessionTimeout),
		}
	case errors.Is(sessionCtx.Err(), context.Canceled):
		return &ExecutionResult{Status: models.SessionStatusCancelled}
	default:
		return &ExecutionResult{
			Status: models.SessionStatusFailed,
			Error:  errors.New("executor returned no result"),
		}
	}
}

func (w *Worker) finishSession(session *models.Session, result *ExecutionResult) error {
	ctx := context.Background()
	switch result.Status {
	case models.SessionStatusCompleted:
		return w.store.CompleteSession(ctx, session.ID, result.FinalAnalysis)
	case models.SessionStatusCancelled:
		return w.store.CancelSession(ctx, session.ID)
	default:
		msg := "execution failed"
		if result.Error != nil {
			msg = result.Error.Error()
		}
		return w.store.FailSession(ctx, session.ID, msg)
	}
}

func (w *Worker) publishTerminalEvent(session *models.Session, result *ExecutionResult) {
	var eventType string
	switch result.Status {
	case models.SessionStatusCompleted:
		eventType = events.EventTypeSessionCompleted
	case models.SessionStatusCancelled:
		eventType = events.EventTypeSessionCancelled
	default:
		eventType = events.EventTypeSessionFailed
	}
	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	w.publishSessionEvent(context.Background(), session, eventType, result.Status, errMsg)
}

func (w *Worker) publishSessionEvent(ctx context.Context, session *models.Session, eventType string, status models.SessionStatus, errMsg string) {
	if w.sink == nil {
		return
	}
	if err := w.sink.PublishSessionLifecycle(ctx, events.SessionLifecyclePayload{
		Type:      eventType,
		SessionID: session.ID,
		AlertType: session.AlertType,
		ChainID:   session.ChainID,
		Status:    string(status),
		Error:     errMsg,
	}); err != nil {
		slog.Warn("Failed to publish session lifecycle event",
			"session_id", session.ID, "type", eventType, "error", err)
	}
}

// pollInterval returns the poll duration with jitter, range
// [base - jitter, base + jitter].
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSessionID = sessionID
	w.lastActivity = time.Now()
}
