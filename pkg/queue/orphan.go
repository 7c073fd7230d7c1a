package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// orphanState tracks orphan sweep metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanSweeps periodically fails in_progress sessions whose
// heartbeat went stale. All pods run this independently; the sweep is
// idempotent because the underlying update only touches non-terminal
// rows.
func (p *WorkerPool) runOrphanSweeps(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.sweepOrphans(ctx); err != nil {
				slog.Error("Orphan sweep failed", "error", err)
			}
		}
	}
}

// sweepOrphans fails sessions with no heartbeat for OrphanThreshold and
// transitively fails their non-terminal stage executions, then publishes
// a session_failed event for each so subscribed clients see the change.
func (p *WorkerPool) sweepOrphans(ctx context.Context) error {
	cutoff := models.NowUS() - p.config.OrphanThreshold.Microseconds()

	swept, err := p.store.SweepOrphanedSessions(ctx, cutoff)
	if err != nil {
		return err
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += len(swept)
	p.orphans.mu.Unlock()

	if len(swept) == 0 {
		return nil
	}

	slog.Warn("Swept orphaned sessions", "count", len(swept), "session_ids", swept)
	for _, id := range swept {
		p.publishSweepFailure(ctx, id, services.OrphanedSessionError)
	}
	return nil
}

func (p *WorkerPool) publishSweepFailure(ctx context.Context, sessionID, errMsg string) {
	if p.sink == nil {
		return
	}
	if err := p.sink.PublishSessionLifecycle(ctx, events.SessionLifecyclePayload{
		Type:      events.EventTypeSessionFailed,
		SessionID: sessionID,
		Status:    string(models.SessionStatusFailed),
		Error:     errMsg,
	}); err != nil {
		slog.Warn("Failed to publish sweep failure event", "session_id", sessionID, "error", err)
	}
}
