package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tarsy-bot/tarsy/pkg/database"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// backgroundWriteTimeout bounds critical writes that must survive the
// caller's cancellation (terminal status updates, heartbeats).
const backgroundWriteTimeout = 5 * time.Second

// SessionService manages alert session rows.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

const sessionColumns = `session_id, alert_type, alert_data, chain_id, status, pod_id,
	created_at_us, started_at_us, completed_at_us, last_interaction_at_us,
	final_analysis, error_message, author`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID, &s.AlertType, &s.AlertPayload, &s.ChainID, &s.Status, &s.PodID,
		&s.CreatedAtUS, &s.StartedAtUS, &s.CompletedAtUS, &s.LastInteractionAtUS,
		&s.FinalAnalysis, &s.Error, &s.Author,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new pending session. Deliberately not retried:
// a retry after an ambiguous failure could enqueue the alert twice.
func (s *SessionService) CreateSession(ctx context.Context, alertType, alertPayload, chainID, author string) (*models.Session, error) {
	session := &models.Session{
		ID:           uuid.New().String(),
		AlertType:    alertType,
		AlertPayload: alertPayload,
		ChainID:      chainID,
		Status:       models.SessionStatusPending,
		CreatedAtUS:  models.NowUS(),
		Author:       author,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_sessions (session_id, alert_type, alert_data, chain_id, status, created_at_us, author)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.AlertType, session.AlertPayload, session.ChainID,
		session.Status, session.CreatedAtUS, session.Author,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetSession retrieves a session by ID
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM alert_sessions WHERE session_id = $1`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	Status    []models.SessionStatus
	AlertType string
	ChainID   string
	Search    string // full-text over alert payload and final analysis
	Limit     int
	Offset    int
}

// ListSessions returns matching sessions newest-first plus the total count.
func (s *SessionService) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, int, error) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = arg(string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.AlertType != "" {
		conds = append(conds, fmt.Sprintf("alert_type = %s", arg(filter.AlertType)))
	}
	if filter.ChainID != "" {
		conds = append(conds, fmt.Sprintf("chain_id = %s", arg(filter.ChainID)))
	}
	if filter.Search != "" {
		p := arg(filter.Search)
		conds = append(conds, fmt.Sprintf(
			`(to_tsvector('english', alert_data) @@ plainto_tsquery('english', %s)
			  OR to_tsvector('english', COALESCE(final_analysis, '')) @@ plainto_tsquery('english', %s))`, p, p))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM alert_sessions` + where +
		` ORDER BY created_at_us DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// ClaimNextPending atomically flips the oldest pending session to
// in_progress for this pod. SKIP LOCKED keeps competing pods from
// blocking on each other; losers simply see no rows.
//
// Returns ErrNotFound when no pending session exists and ErrConflict
// when the global concurrency cap is reached.
func (s *SessionService) ClaimNextPending(ctx context.Context, podID string, maxConcurrent int) (*models.Session, error) {
	var session *models.Session

	err := database.WithRetry(ctx, "claim_next_pending", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM alert_sessions WHERE status = 'in_progress'`).Scan(&active); err != nil {
			return fmt.Errorf("failed to count active sessions: %w", err)
		}
		if maxConcurrent > 0 && active >= maxConcurrent {
			return ErrConflict
		}

		now := models.NowUS()
		row := tx.QueryRowContext(ctx,
			`UPDATE alert_sessions
			 SET status = 'in_progress', pod_id = $1, started_at_us = $2, last_interaction_at_us = $2
			 WHERE session_id = (
			     SELECT session_id FROM alert_sessions
			     WHERE status = 'pending'
			     ORDER BY created_at_us ASC
			     LIMIT 1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+sessionColumns,
			podID, now)

		claimed, err := scanSession(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to claim session: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit claim: %w", err)
		}
		session = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// CompleteSession marks a non-terminal session completed with its analysis.
// Uses a background-derived context so shutdown cannot abort the write.
func (s *SessionService) CompleteSession(_ context.Context, sessionID, finalAnalysis string) error {
	return s.finishSession(sessionID, models.SessionStatusCompleted, &finalAnalysis, nil)
}

// FailSession marks a non-terminal session failed with the given reason.
func (s *SessionService) FailSession(_ context.Context, sessionID, errorMessage string) error {
	return s.finishSession(sessionID, models.SessionStatusFailed, nil, &errorMessage)
}

// CancelSession marks a non-terminal session cancelled.
func (s *SessionService) CancelSession(_ context.Context, sessionID string) error {
	return s.finishSession(sessionID, models.SessionStatusCancelled, nil, nil)
}

func (s *SessionService) finishSession(sessionID string, status models.SessionStatus, finalAnalysis, errorMessage *string) error {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	return database.WithRetry(ctx, "finish_session", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE alert_sessions
			 SET status = $2, completed_at_us = $3,
			     final_analysis = COALESCE($4, final_analysis),
			     error_message = COALESCE($5, error_message)
			 WHERE session_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
			sessionID, status, models.NowUS(), finalAnalysis, errorMessage)
		if err != nil {
			return fmt.Errorf("failed to finish session: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrConflict
		}
		return nil
	})
}

// CountSessions returns the number of sessions with the given status,
// optionally restricted to one pod. Used by queue health checks.
func (s *SessionService) CountSessions(ctx context.Context, status models.SessionStatus, podID string) (int, error) {
	query := `SELECT COUNT(*) FROM alert_sessions WHERE status = $1`
	args := []any{status}
	if podID != "" {
		query += ` AND pod_id = $2`
		args = append(args, podID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// TouchLastInteraction bumps the session heartbeat. Best-effort: callers
// log failures but never fail the interaction that triggered it.
func (s *SessionService) TouchLastInteraction(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_sessions SET last_interaction_at_us = $2 WHERE session_id = $1`,
		sessionID, models.NowUS())
	if err != nil {
		return fmt.Errorf("failed to touch last interaction: %w", err)
	}
	return nil
}

// InterruptPodSessions marks this pod's in_progress sessions failed.
// Called during graceful shutdown, after workers have been given their
// chance to finish.
func (s *SessionService) InterruptPodSessions(ctx context.Context, podID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE alert_sessions
		 SET status = 'failed', completed_at_us = $2, error_message = 'interrupted'
		 WHERE pod_id = $1 AND status = 'in_progress'
		 RETURNING session_id`,
		podID, models.NowUS())
	if err != nil {
		return nil, fmt.Errorf("failed to interrupt pod sessions: %w", err)
	}
	defer rows.Close()

	return collectIDs(rows)
}

// OrphanedSessionError is the message stored on sessions and stages that
// lost their pod.
const OrphanedSessionError = "Session terminated due to backend restart"

// SweepOrphanedSessions fails in_progress sessions whose heartbeat is
// older than the cutoff, and transitively fails their non-terminal stage
// executions. Returns the IDs of swept sessions.
func (s *SessionService) SweepOrphanedSessions(ctx context.Context, olderThanUS int64) ([]string, error) {
	var swept []string

	err := database.WithRetry(ctx, "sweep_orphans", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin orphan sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := models.NowUS()
		rows, err := tx.QueryContext(ctx,
			`UPDATE alert_sessions
			 SET status = 'failed', completed_at_us = $2, error_message = $3
			 WHERE status = 'in_progress'
			   AND COALESCE(last_interaction_at_us, started_at_us, created_at_us) < $1
			 RETURNING session_id`,
			olderThanUS, now, OrphanedSessionError)
		if err != nil {
			return fmt.Errorf("failed to sweep orphaned sessions: %w", err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return tx.Commit()
		}

		placeholders := make([]string, len(ids))
		args := make([]any, 0, len(ids)+2)
		args = append(args, now, OrphanedSessionError)
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+3)
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE stage_executions
			 SET status = 'failed', completed_at_us = $1, error_message = $2
			 WHERE session_id IN (`+strings.Join(placeholders, ", ")+`)
			   AND status NOT IN ('completed', 'failed', 'cancelled')`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to sweep orphaned stages: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit orphan sweep: %w", err)
		}
		swept = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}
