package events

import (
	"encoding/json"
	"fmt"
)

// SessionLifecyclePayload is published on session status transitions, to
// both the session channel and the global sessions channel.
type SessionLifecyclePayload struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	AlertType   string `json:"alert_type,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	TimestampUS int64  `json:"timestamp_us"`
}

// StageLifecyclePayload is published on stage execution transitions.
// For fan-out stages the parent and each child publish separately;
// children carry their parallel_index.
type StageLifecyclePayload struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	ExecutionID   string `json:"execution_id"`
	StageName     string `json:"stage_name"`
	StageIndex    int    `json:"stage_index"`
	ParallelIndex int    `json:"parallel_index,omitempty"`
	Agent         string `json:"agent,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	TimestampUS   int64  `json:"timestamp_us"`
}

// ChatCreatedPayload is published when the first message creates a chat.
type ChatCreatedPayload struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	ChatID      string `json:"chat_id"`
	Author      string `json:"author"`
	TimestampUS int64  `json:"timestamp_us"`
}

// ChatUserMessagePayload is published when a user sends a chat message.
type ChatUserMessagePayload struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
	Content     string `json:"content"`
	Author      string `json:"author"`
	TimestampUS int64  `json:"timestamp_us"`
}

// toMap converts a typed payload into the opaque map the event store
// persists, going through JSON so field names match the wire form.
func toMap(payload any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to convert event payload: %w", err)
	}
	return m, nil
}
