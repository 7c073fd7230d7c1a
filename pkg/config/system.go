package config

import "time"

// EventBusConfig selects and tunes the live-event delivery backend.
type EventBusConfig struct {
	// Backend is "notify" (Postgres LISTEN/NOTIFY) or "polling".
	Backend EventBusBackend `yaml:"backend"`

	// PollInterval is the polling backend's query period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ErrorBackoff is the minimum sleep after a polling/listen error.
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// DefaultEventBusConfig returns the built-in event bus defaults.
func DefaultEventBusConfig() *EventBusConfig {
	return &EventBusConfig{
		Backend:      EventBusBackendNotify,
		PollInterval: 500 * time.Millisecond,
		ErrorBackoff: 5 * time.Second,
	}
}

// RetentionConfig controls cleanup of old event rows.
type RetentionConfig struct {
	// EventTTL is how long event rows live regardless of session state.
	EventTTL time.Duration `yaml:"event_ttl"`

	// SessionEventGrace is how long a terminal session's events are kept
	// for SSE catchup before deletion.
	SessionEventGrace time.Duration `yaml:"session_event_grace"`

	// CleanupInterval is how often the cleanup pass runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:          24 * time.Hour,
		SessionEventGrace: 1 * time.Hour,
		CleanupInterval:   1 * time.Hour,
	}
}
