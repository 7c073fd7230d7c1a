package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tarsy-bot/tarsy/pkg/database"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// EventService is the durable event store backing the event bus.
// Inserts and their NOTIFY wake-up share one transaction: pg_notify is
// transactional, so subscribers never hear about an uncommitted row.
// The NOTIFY payload carries only the event id; dispatch re-reads the
// row, which keeps delivery gap-free and under Postgres' 8000-byte
// notification limit.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// InsertEvent persists an event and fires the channel's NOTIFY in the
// same transaction. Returns the assigned id, strictly increasing within
// the channel.
func (s *EventService) InsertEvent(ctx context.Context, channel string, payload map[string]any) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	var eventID int64
	err = database.WithRetry(ctx, "insert_event", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin event transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx,
			`INSERT INTO events (channel, payload, inserted_at_us) VALUES ($1, $2, $3) RETURNING id`,
			channel, payloadJSON, models.NowUS(),
		).Scan(&eventID)
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"SELECT pg_notify($1, $2)", channel, strconv.FormatInt(eventID, 10)); err != nil {
			return fmt.Errorf("pg_notify failed: %w", err)
		}

		if err := tx.Commit(); err != nil {
			// A failed commit ack is ambiguous: the row may already be
			// durable. Retrying would insert the event twice.
			return database.NonRetriable(fmt.Errorf("failed to commit event transaction: %w", err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return eventID, nil
}

// EventsAfter returns up to limit events on a channel with id > afterID,
// in id order.
func (s *EventService) EventsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, payload, inserted_at_us FROM events
		 WHERE channel = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		channel, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Channel, &payload, &e.InsertedAtUS); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// LatestEventID returns the highest id on a channel, 0 when empty.
func (s *EventService) LatestEventID(ctx context.Context, channel string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events WHERE channel = $1`, channel).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event id: %w", err)
	}
	return id, nil
}

// DeleteEventsBefore removes events older than the cutoff regardless of
// channel. Returns the number of rows deleted.
func (s *EventService) DeleteEventsBefore(ctx context.Context, cutoffUS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE inserted_at_us < $1`, cutoffUS)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// DeleteTerminalSessionEvents removes per-session channel events whose
// session reached a terminal status before the cutoff, preserving the
// SSE catchup window for recently finished sessions.
func (s *EventService) DeleteTerminalSessionEvents(ctx context.Context, cutoffUS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events
		 WHERE channel LIKE 'session:%'
		   AND channel IN (
		       SELECT 'session:' || session_id FROM alert_sessions
		       WHERE status IN ('completed', 'failed', 'cancelled')
		         AND completed_at_us < $1
		   )`,
		cutoffUS)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal session events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
