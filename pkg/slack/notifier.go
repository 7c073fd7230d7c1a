package slack

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// SessionGetter fetches the session row behind a lifecycle event.
type SessionGetter interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
}

// EventSource is the slice of the event bus the notifier subscribes
// through.
type EventSource interface {
	Subscribe(ctx context.Context, channel string, cb events.Callback) (int64, error)
	Unsubscribe(ctx context.Context, channel string, subID int64)
}

// Notifier bridges the global sessions channel to Slack: started and
// terminal session events become channel messages, threaded onto the
// originating alert when it carries a fingerprint.
type Notifier struct {
	service  *Service
	sessions SessionGetter
	source   EventSource
	subID    int64

	mu      sync.Mutex
	threads map[string]string // session ID -> thread ts from the start notification
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier over the given service. The service
// may be nil; Start is then a no-op.
func NewNotifier(service *Service, sessions SessionGetter, source EventSource) *Notifier {
	return &Notifier{
		service:  service,
		sessions: sessions,
		source:   source,
		threads:  make(map[string]string),
	}
}

// Start subscribes to the global sessions channel. No-op when the
// service is disabled.
func (n *Notifier) Start(ctx context.Context) error {
	if n.service == nil {
		return nil
	}
	subID, err := n.source.Subscribe(ctx, events.GlobalSessionsChannel, n.handleEvent)
	if err != nil {
		return err
	}
	n.subID = subID
	slog.Info("Slack notifier started")
	return nil
}

// Stop unsubscribes and waits for in-flight notifications.
func (n *Notifier) Stop(ctx context.Context) {
	if n.service == nil {
		return
	}
	n.source.Unsubscribe(ctx, events.GlobalSessionsChannel, n.subID)
	n.wg.Wait()
}

// handleEvent runs on the bus dispatch goroutine; the Slack round-trips
// happen on their own goroutine so a slow API call cannot stall
// dispatch or get this subscriber dropped.
func (n *Notifier) handleEvent(event *models.Event) {
	eventType, _ := event.Payload["type"].(string)
	sessionID, _ := event.Payload["session_id"].(string)
	if sessionID == "" {
		return
	}

	switch eventType {
	case events.EventTypeSessionStarted,
		events.EventTypeSessionCompleted,
		events.EventTypeSessionFailed,
		events.EventTypeSessionCancelled:
	default:
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.notify(context.Background(), eventType, sessionID)
	}()
}

func (n *Notifier) notify(ctx context.Context, eventType, sessionID string) {
	sess, err := n.sessions.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("Slack notifier could not load session",
			"session_id", sessionID, "type", eventType, "error", err)
		return
	}
	fingerprint := FingerprintFromPayload(sess.AlertPayload)

	if eventType == events.EventTypeSessionStarted {
		threadTS := n.service.NotifySessionStarted(ctx, sessionID, fingerprint)
		if threadTS != "" {
			n.mu.Lock()
			n.threads[sessionID] = threadTS
			n.mu.Unlock()
		}
		return
	}

	n.mu.Lock()
	threadTS := n.threads[sessionID]
	delete(n.threads, sessionID)
	n.mu.Unlock()

	n.service.NotifySessionCompleted(ctx, sess, fingerprint, threadTS)
}
