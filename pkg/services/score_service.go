package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// ScoreService manages session quality scores. The partial unique index
// session_scores_one_active enforces at most one non-terminal run per
// session; completed runs accumulate as history.
type ScoreService struct {
	db *sql.DB
}

// NewScoreService creates a new ScoreService
func NewScoreService(db *sql.DB) *ScoreService {
	return &ScoreService{db: db}
}

const scoreColumns = `score_id, session_id, status, score, justification,
	prompt_hash, error_message, created_at_us, completed_at_us`

func scanScore(row interface{ Scan(...any) error }) (*models.SessionScore, error) {
	var sc models.SessionScore
	err := row.Scan(
		&sc.ID, &sc.SessionID, &sc.Status, &sc.Score, &sc.Justification,
		&sc.PromptHash, &sc.Error, &sc.CreatedAtUS, &sc.CompletedAtUS)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// CreateScore starts a pending scoring run. Returns ErrAlreadyExists
// when another run is already in flight for the session.
func (s *ScoreService) CreateScore(ctx context.Context, sessionID, promptHash string) (*models.SessionScore, error) {
	score := &models.SessionScore{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Status:      models.ScoreStatusPending,
		PromptHash:  promptHash,
		CreatedAtUS: models.NowUS(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_scores (score_id, session_id, status, prompt_hash, created_at_us)
		 VALUES ($1, $2, $3, $4, $5)`,
		score.ID, score.SessionID, score.Status, score.PromptHash, score.CreatedAtUS)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: scoring already in progress for session %s", ErrAlreadyExists, sessionID)
		}
		return nil, fmt.Errorf("failed to create score: %w", err)
	}
	return score, nil
}

// MarkScoreInProgress flips a pending run to in_progress.
func (s *ScoreService) MarkScoreInProgress(ctx context.Context, scoreID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_scores SET status = 'in_progress' WHERE score_id = $1 AND status = 'pending'`,
		scoreID)
	if err != nil {
		return fmt.Errorf("failed to mark score in progress: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteScore records the judge's verdict.
func (s *ScoreService) CompleteScore(_ context.Context, scoreID string, score int, justification string) error {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE session_scores
		 SET status = 'completed', score = $2, justification = $3, completed_at_us = $4
		 WHERE score_id = $1 AND status IN ('pending', 'in_progress')`,
		scoreID, score, justification, models.NowUS())
	if err != nil {
		return fmt.Errorf("failed to complete score: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// FailScore records a scoring failure.
func (s *ScoreService) FailScore(_ context.Context, scoreID, errorMessage string) error {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE session_scores
		 SET status = 'failed', error_message = $2, completed_at_us = $3
		 WHERE score_id = $1 AND status IN ('pending', 'in_progress')`,
		scoreID, errorMessage, models.NowUS())
	if err != nil {
		return fmt.Errorf("failed to fail score: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// ListScores returns a session's scoring runs newest-first.
func (s *ScoreService) ListScores(ctx context.Context, sessionID string) ([]*models.SessionScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM session_scores
		 WHERE session_id = $1 ORDER BY created_at_us DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scores: %w", err)
	}
	defer rows.Close()

	var scores []*models.SessionScore
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scores: %w", err)
	}
	return scores, nil
}

// LatestScore returns the most recent scoring run for a session.
func (s *ScoreService) LatestScore(ctx context.Context, sessionID string) (*models.SessionScore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM session_scores
		 WHERE session_id = $1 ORDER BY created_at_us DESC LIMIT 1`,
		sessionID)

	score, err := scanScore(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest score: %w", err)
	}
	return score, nil
}
