package queue

import (
	"context"
	"fmt"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

// ChatExecutor answers follow-up questions on finished sessions. Each
// question is a single tool-less synthesis call grounded on the
// session's recorded investigation.
type ChatExecutor struct {
	cfg      *config.Config
	resolver *agent.ConfigResolver
	factory  ControllerFactory
	llm      agent.LLMClient
	stages   StageLister
	log      agent.InteractionLogger
	prompt   agent.PromptBuilder
}

// NewChatExecutor creates the chat executor.
func NewChatExecutor(
	cfg *config.Config,
	factory ControllerFactory,
	llm agent.LLMClient,
	stages StageLister,
	log agent.InteractionLogger,
	prompt agent.PromptBuilder,
) *ChatExecutor {
	return &ChatExecutor{
		cfg:      cfg,
		resolver: agent.NewConfigResolver(cfg),
		factory:  factory,
		llm:      llm,
		stages:   stages,
		log:      log,
		prompt:   prompt,
	}
}

// Answer runs one chat turn and returns the assistant's reply. The LLM
// interaction is recorded against the session with a nil stage
// execution, which is how the timeline tells chat traffic apart from
// investigation traffic.
func (e *ChatExecutor) Answer(ctx context.Context, sess *models.Session, chatID, question string) (string, error) {
	chain, err := e.cfg.GetChain(sess.ChainID)
	if err != nil {
		return "", fmt.Errorf("chain %q is not configured: %w", sess.ChainID, err)
	}

	resolved, err := e.resolver.ResolveChat(chain)
	if err != nil {
		return "", err
	}

	stages, err := e.stages.ListStageExecutions(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load stage executions: %w", err)
	}

	execCtx := &agent.ExecutionContext{
		SessionID:     sess.ID,
		AgentName:     resolved.AgentName,
		AlertType:     sess.AlertType,
		AlertData:     sess.AlertPayload,
		Config:        resolved,
		LLMClient:     e.llm,
		ToolExecutor:  &agent.StubToolExecutor{},
		Log:           e.log,
		PromptBuilder: e.prompt,
		Chat: &agent.ChatContext{
			ChatID:               chatID,
			UserQuestion:         question,
			InvestigationContext: BuildInvestigationContext(sess, stages),
		},
	}

	ctrl, err := e.factory.Create(resolved.Strategy)
	if err != nil {
		return "", err
	}

	result, err := ctrl.Run(ctx, execCtx, "")
	if err != nil {
		return "", err
	}
	if result.Status != agent.ExecutionStatusCompleted {
		if result.Error != nil {
			return "", result.Error
		}
		return "", fmt.Errorf("chat execution ended with status %s", result.Status)
	}
	return result.FinalAnalysis, nil
}
