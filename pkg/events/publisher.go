package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// Publisher wraps the bus with typed payload methods. Each method
// marshals its payload and routes it to the right channel(s).
type Publisher struct {
	bus *Bus
}

// NewPublisher creates a publisher over the given bus.
func NewPublisher(bus *Bus) *Publisher {
	return &Publisher{bus: bus}
}

// PublishSessionLifecycle publishes a session transition to the session
// channel and mirrors it on the global sessions channel. Both publishes
// are attempted; the first error (if any) is returned.
func (p *Publisher) PublishSessionLifecycle(ctx context.Context, payload SessionLifecyclePayload) error {
	if payload.TimestampUS == 0 {
		payload.TimestampUS = models.NowUS()
	}
	m, err := toMap(payload)
	if err != nil {
		return err
	}

	var firstErr error
	if _, err := p.bus.Publish(ctx, SessionChannel(payload.SessionID), m); err != nil {
		slog.Warn("Failed to publish session lifecycle to session channel",
			"session_id", payload.SessionID, "type", payload.Type, "error", err)
		firstErr = err
	}
	if _, err := p.bus.Publish(ctx, GlobalSessionsChannel, m); err != nil {
		slog.Warn("Failed to publish session lifecycle to global channel",
			"session_id", payload.SessionID, "type", payload.Type, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishStageLifecycle publishes a stage transition to the session channel.
func (p *Publisher) PublishStageLifecycle(ctx context.Context, payload StageLifecyclePayload) error {
	if payload.TimestampUS == 0 {
		payload.TimestampUS = models.NowUS()
	}
	m, err := toMap(payload)
	if err != nil {
		return err
	}
	if _, err := p.bus.Publish(ctx, SessionChannel(payload.SessionID), m); err != nil {
		return fmt.Errorf("failed to publish stage lifecycle: %w", err)
	}
	return nil
}

// PublishChatCreated publishes a chat.created event to the session channel.
func (p *Publisher) PublishChatCreated(ctx context.Context, payload ChatCreatedPayload) error {
	if payload.TimestampUS == 0 {
		payload.TimestampUS = models.NowUS()
	}
	m, err := toMap(payload)
	if err != nil {
		return err
	}
	if _, err := p.bus.Publish(ctx, SessionChannel(payload.SessionID), m); err != nil {
		return fmt.Errorf("failed to publish chat created: %w", err)
	}
	return nil
}

// PublishChatUserMessage publishes a chat.user_message event to the session channel.
func (p *Publisher) PublishChatUserMessage(ctx context.Context, payload ChatUserMessagePayload) error {
	if payload.TimestampUS == 0 {
		payload.TimestampUS = models.NowUS()
	}
	m, err := toMap(payload)
	if err != nil {
		return err
	}
	if _, err := p.bus.Publish(ctx, SessionChannel(payload.SessionID), m); err != nil {
		return fmt.Errorf("failed to publish chat user message: %w", err)
	}
	return nil
}
