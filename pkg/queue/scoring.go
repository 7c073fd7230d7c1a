package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/agent/controller"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// ScoreStore persists scoring attempts. Implemented by
// services.ScoreService.
type ScoreStore interface {
	MarkScoreInProgress(ctx context.Context, scoreID string) error
	CompleteScore(ctx context.Context, scoreID string, score int, justification string) error
	FailScore(ctx context.Context, scoreID, errorMessage string) error
}

var _ ScoreStore = (*services.ScoreService)(nil)

// ScoringRunner grades a finished session with an LLM judge and records
// the verdict. Runs asynchronously from the scoring endpoint.
type ScoringRunner struct {
	cfg      *config.Config
	resolver *agent.ConfigResolver
	factory  ControllerFactory
	llm      agent.LLMClient
	stages   StageLister
	scores   ScoreStore
	log      agent.InteractionLogger
	prompt   agent.PromptBuilder
}

// NewScoringRunner creates the scoring runner.
func NewScoringRunner(
	cfg *config.Config,
	factory ControllerFactory,
	llm agent.LLMClient,
	stages StageLister,
	scores ScoreStore,
	log agent.InteractionLogger,
	prompt agent.PromptBuilder,
) *ScoringRunner {
	return &ScoringRunner{
		cfg:      cfg,
		resolver: agent.NewConfigResolver(cfg),
		factory:  factory,
		llm:      llm,
		stages:   stages,
		scores:   scores,
		log:      log,
		prompt:   prompt,
	}
}

// Run executes one scoring attempt against the given pending score row
// and writes the terminal result. Errors are recorded on the row; the
// returned error is for the caller's log only.
func (r *ScoringRunner) Run(ctx context.Context, sess *models.Session, scoreID string) error {
	if err := r.scores.MarkScoreInProgress(ctx, scoreID); err != nil {
		return fmt.Errorf("failed to mark score in progress: %w", err)
	}

	result, err := r.evaluate(ctx, sess)
	if err != nil {
		if failErr := r.scores.FailScore(context.Background(), scoreID, err.Error()); failErr != nil {
			slog.Error("Failed to record scoring failure",
				"session_id", sess.ID, "score_id", scoreID, "error", failErr)
		}
		return err
	}

	justification := result.ScoreAnalysis
	if result.MissingToolsAnalysis != "" {
		justification += "\n\n### Missing Tools\n\n" + result.MissingToolsAnalysis
	}
	if err := r.scores.CompleteScore(context.Background(), scoreID, result.TotalScore, justification); err != nil {
		return fmt.Errorf("failed to record score: %w", err)
	}

	slog.Info("Session scored", "session_id", sess.ID, "score_id", scoreID, "score", result.TotalScore)
	return nil
}

func (r *ScoringRunner) evaluate(ctx context.Context, sess *models.Session) (*controller.ScoringResult, error) {
	chain, err := r.cfg.GetChain(sess.ChainID)
	if err != nil {
		return nil, fmt.Errorf("chain %q is not configured: %w", sess.ChainID, err)
	}

	resolved, err := r.resolver.ResolveScoring(chain)
	if err != nil {
		return nil, err
	}

	stages, err := r.stages.ListStageExecutions(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage executions: %w", err)
	}

	execCtx := &agent.ExecutionContext{
		SessionID:     sess.ID,
		AgentName:     resolved.AgentName,
		AlertType:     sess.AlertType,
		AlertData:     sess.AlertPayload,
		Config:        resolved,
		LLMClient:     r.llm,
		ToolExecutor:  &agent.StubToolExecutor{},
		Log:           r.log,
		PromptBuilder: r.prompt,
	}

	ctrl, err := r.factory.Create(resolved.Strategy)
	if err != nil {
		return nil, err
	}

	result, err := ctrl.Run(ctx, execCtx, BuildInvestigationContext(sess, stages))
	if err != nil {
		return nil, err
	}
	if result.Status != agent.ExecutionStatusCompleted {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("scoring execution ended with status %s", result.Status)
	}

	var parsed controller.ScoringResult
	if err := json.Unmarshal([]byte(result.FinalAnalysis), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse scoring result: %w", err)
	}
	return &parsed, nil
}
