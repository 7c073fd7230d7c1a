package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tarsy-bot/tarsy/pkg/database"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// StageService manages stage execution rows, including fan-out parents
// and their children.
type StageService struct {
	db *sql.DB
}

// NewStageService creates a new StageService
func NewStageService(db *sql.DB) *StageService {
	return &StageService{db: db}
}

const stageColumns = `execution_id, session_id, stage_index, stage_name, agent,
	iteration_strategy, status, started_at_us, completed_at_us, duration_ms,
	parent_stage_execution_id, parallel_index, parallel_type, stage_output, error_message`

func scanStage(row interface{ Scan(...any) error }) (*models.StageExecution, error) {
	var e models.StageExecution
	err := row.Scan(
		&e.ID, &e.SessionID, &e.StageIndex, &e.StageName, &e.Agent,
		&e.IterationStrategy, &e.Status, &e.StartedAtUS, &e.CompletedAtUS, &e.DurationMS,
		&e.ParentExecutionID, &e.ParallelIndex, &e.ParallelType, &e.StageOutput, &e.Error,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// NewStageExecution builds an unsaved pending stage execution row.
func NewStageExecution(sessionID string, stageIndex int, stageName, agent, strategy string) *models.StageExecution {
	return &models.StageExecution{
		ID:                uuid.New().String(),
		SessionID:         sessionID,
		StageIndex:        stageIndex,
		StageName:         stageName,
		Agent:             agent,
		IterationStrategy: strategy,
		Status:            models.StageStatusPending,
		ParallelType:      models.ParallelTypeSingle,
	}
}

// CreateStageExecution persists a stage execution row.
func (s *StageService) CreateStageExecution(ctx context.Context, exec *models.StageExecution) error {
	return database.WithRetry(ctx, "create_stage_execution", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO stage_executions
			 (execution_id, session_id, stage_index, stage_name, agent, iteration_strategy,
			  status, started_at_us, parent_stage_execution_id, parallel_index, parallel_type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			exec.ID, exec.SessionID, exec.StageIndex, exec.StageName, exec.Agent,
			exec.IterationStrategy, exec.Status, exec.StartedAtUS,
			exec.ParentExecutionID, exec.ParallelIndex, exec.ParallelType)
		if err != nil {
			return fmt.Errorf("failed to create stage execution: %w", err)
		}
		return nil
	})
}

// GetStageExecution retrieves one stage execution by ID.
func (s *StageService) GetStageExecution(ctx context.Context, executionID string) (*models.StageExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM stage_executions WHERE execution_id = $1`, executionID)

	exec, err := scanStage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get stage execution: %w", err)
	}
	return exec, nil
}

// ListStageExecutions returns all stage executions for a session ordered
// by stage index, parents before their children.
func (s *StageService) ListStageExecutions(ctx context.Context, sessionID string) ([]*models.StageExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_executions
		 WHERE session_id = $1
		 ORDER BY stage_index ASC, parent_stage_execution_id NULLS FIRST, parallel_index ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage executions: %w", err)
	}
	defer rows.Close()

	return collectStages(rows)
}

// ListChildren returns the fan-out children of a parent execution in
// parallel_index order.
func (s *StageService) ListChildren(ctx context.Context, parentExecutionID string) ([]*models.StageExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_executions
		 WHERE parent_stage_execution_id = $1
		 ORDER BY parallel_index ASC`,
		parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	return collectStages(rows)
}

// StartStageExecution flips pending -> active and stamps the start time.
func (s *StageService) StartStageExecution(ctx context.Context, executionID string) (int64, error) {
	now := models.NowUS()
	err := database.WithRetry(ctx, "start_stage_execution", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE stage_executions SET status = 'active', started_at_us = $2
			 WHERE execution_id = $1 AND status = 'pending'`,
			executionID, now)
		if err != nil {
			return fmt.Errorf("failed to start stage execution: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return now, nil
}

// FinishStageExecution records a terminal status with output or error.
// Duration is derived from started_at_us. The write runs on a background
// context so late results survive caller cancellation.
func (s *StageService) FinishStageExecution(_ context.Context, executionID string, status models.StageStatus, stageOutput, errorMessage *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: non-terminal status %s", ErrInvalidInput, status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	return database.WithRetry(ctx, "finish_stage_execution", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE stage_executions
			 SET status = $2, completed_at_us = $3,
			     duration_ms = CASE WHEN started_at_us IS NOT NULL THEN ($3 - started_at_us) / 1000 END,
			     stage_output = COALESCE($4, stage_output),
			     error_message = COALESCE($5, error_message)
			 WHERE execution_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
			executionID, status, models.NowUS(), stageOutput, errorMessage)
		if err != nil {
			return fmt.Errorf("failed to finish stage execution: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrConflict
		}
		return nil
	})
}

// SetDerivedParentStatus writes a fan-out parent's terminal status
// computed from its children. Unlike FinishStageExecution it may
// overwrite a previously derived terminal status, which happens when a
// late child cancellation recomputes the join.
func (s *StageService) SetDerivedParentStatus(_ context.Context, executionID string, status models.StageStatus, stageOutput, errorMessage *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: non-terminal status %s", ErrInvalidInput, status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	return database.WithRetry(ctx, "set_derived_parent_status", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE stage_executions
			 SET status = $2,
			     completed_at_us = COALESCE(completed_at_us, $3),
			     duration_ms = CASE WHEN started_at_us IS NOT NULL THEN (COALESCE(completed_at_us, $3) - started_at_us) / 1000 END,
			     stage_output = COALESCE($4, stage_output),
			     error_message = $5
			 WHERE execution_id = $1`,
			executionID, status, models.NowUS(), stageOutput, errorMessage)
		if err != nil {
			return fmt.Errorf("failed to set derived parent status: %w", err)
		}
		return nil
	})
}

func collectStages(rows *sql.Rows) ([]*models.StageExecution, error) {
	var execs []*models.StageExecution
	for rows.Next() {
		exec, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage executions: %w", err)
	}
	return execs, nil
}
