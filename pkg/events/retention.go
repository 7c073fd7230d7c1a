package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// RetentionStore is the slice of the event service the janitor needs.
type RetentionStore interface {
	DeleteEventsBefore(ctx context.Context, cutoffUS int64) (int64, error)
	DeleteTerminalSessionEvents(ctx context.Context, cutoffUS int64) (int64, error)
}

// Janitor periodically deletes event rows past retention: session
// channels shortly after their session finishes, everything else after
// the global TTL.
type Janitor struct {
	store  RetentionStore
	config *config.RetentionConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewJanitor creates a retention janitor. A nil config uses the
// built-in defaults.
func NewJanitor(store RetentionStore, cfg *config.RetentionConfig) *Janitor {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Janitor{store: store, config: cfg}
}

// Start launches the cleanup loop. No-op when already running.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.stopped = make(chan struct{})

	go j.run(ctx)
	slog.Info("Event retention janitor started",
		"event_ttl", j.config.EventTTL,
		"session_event_grace", j.config.SessionEventGrace,
		"cleanup_interval", j.config.CleanupInterval)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, stopped := j.cancel, j.stopped
	j.cancel = nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.stopped)

	ticker := time.NewTicker(j.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep runs one cleanup pass. Errors are logged and retried on the
// next tick.
func (j *Janitor) sweep(ctx context.Context) {
	now := models.NowUS()

	sessionCutoff := now - j.config.SessionEventGrace.Microseconds()
	sessionDeleted, err := j.store.DeleteTerminalSessionEvents(ctx, sessionCutoff)
	if err != nil {
		slog.Error("Failed to delete terminal session events", "error", err)
	}

	ttlCutoff := now - j.config.EventTTL.Microseconds()
	ttlDeleted, err := j.store.DeleteEventsBefore(ctx, ttlCutoff)
	if err != nil {
		slog.Error("Failed to delete expired events", "error", err)
	}

	if sessionDeleted > 0 || ttlDeleted > 0 {
		slog.Info("Event retention sweep completed",
			"terminal_session_events", sessionDeleted,
			"expired_events", ttlDeleted)
	}
}
