// Package queue provides the session processing infrastructure: the
// worker pool that claims pending sessions, the chain executor that
// walks a session through its stages, and the orphan sweeps that clean
// up after crashed pods.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// Sentinel errors for queue operations.
var (
	// ErrNoSessionsAvailable indicates no pending sessions are in the queue.
	ErrNoSessionsAvailable = errors.New("no sessions available")

	// ErrAtCapacity indicates the global concurrent session limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// SessionExecutor processes one claimed session end to end.
//
// The executor owns the entire session lifecycle internally: it walks
// the chain's stages in order, fans out parallel stages, and writes all
// intermediate state (stage executions, interactions, events)
// progressively during execution. The worker only handles claiming, the
// terminal session status write, and the terminal lifecycle event.
type SessionExecutor interface {
	Execute(ctx context.Context, session *models.Session) *ExecutionResult
}

// ExecutionResult is the terminal state of one session execution.
// All intermediate state was already persisted by the executor.
type ExecutionResult struct {
	Status        models.SessionStatus // completed, failed, cancelled
	FinalAnalysis string
	Error         error
}

// SessionStore is the slice of the session service the queue needs.
// An interface so pool and worker tests run on an in-memory fake.
type SessionStore interface {
	ClaimNextPending(ctx context.Context, podID string, maxConcurrent int) (*models.Session, error)
	CompleteSession(ctx context.Context, sessionID, finalAnalysis string) error
	FailSession(ctx context.Context, sessionID, errorMessage string) error
	CancelSession(ctx context.Context, sessionID string) error
	CountSessions(ctx context.Context, status models.SessionStatus, podID string) (int, error)
	InterruptPodSessions(ctx context.Context, podID string) ([]string, error)
	SweepOrphanedSessions(ctx context.Context, olderThanUS int64) ([]string, error)
}

var _ SessionStore = (*services.SessionService)(nil)

// StageStore is the slice of the stage service the executor needs.
type StageStore interface {
	CreateStageExecution(ctx context.Context, exec *models.StageExecution) error
	StartStageExecution(ctx context.Context, executionID string) (int64, error)
	FinishStageExecution(ctx context.Context, executionID string, status models.StageStatus, stageOutput, errorMessage *string) error
	SetDerivedParentStatus(ctx context.Context, executionID string, status models.StageStatus, stageOutput, errorMessage *string) error
}

var _ StageStore = (*services.StageService)(nil)

// EventSink publishes lifecycle events. Satisfied by events.Publisher;
// an interface so tests can record the emitted sequence.
type EventSink interface {
	PublishSessionLifecycle(ctx context.Context, payload events.SessionLifecyclePayload) error
	PublishStageLifecycle(ctx context.Context, payload events.StageLifecyclePayload) error
}

var _ EventSink = (*events.Publisher)(nil)

// PoolHealth is the health snapshot of the whole worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveSessions   int            `json:"active_sessions"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth is the health snapshot of a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentSessionID  string    `json:"current_session_id,omitempty"`
	SessionsProcessed int       `json:"sessions_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
