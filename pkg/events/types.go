// Package events provides durable event publishing and live delivery.
// Events are rows in the events table; delivery is driven either by
// Postgres LISTEN/NOTIFY wake-ups or by a polling loop. Both backends
// dispatch from the table itself, so subscribers see a gap-free,
// id-ordered stream regardless of backend.
package events

// Session lifecycle event types.
const (
	EventTypeSessionStarted   = "session_started"
	EventTypeSessionCompleted = "session_completed"
	EventTypeSessionFailed    = "session_failed"
	EventTypeSessionCancelled = "session_cancelled"
)

// Stage lifecycle event types.
const (
	EventTypeStageStarted   = "stage_started"
	EventTypeStageCompleted = "stage_completed"
	EventTypeStageFailed    = "stage_failed"
	EventTypeStageCancelled = "stage_cancelled"
)

// Chat event types.
const (
	EventTypeChatCreated     = "chat.created"
	EventTypeChatUserMessage = "chat.user_message"
)

// GlobalSessionsChannel carries session-level status events.
// The session list page subscribes to this for real-time updates.
const GlobalSessionsChannel = "sessions"

// SessionChannel returns the channel name for a specific session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}
