package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/agent"
)

// scoringOutputSchema instructs the LLM to end its response with the
// total score as a standalone number on the last line.
const scoringOutputSchema = `End your response with the total score as a standalone number on the last line.
For example, if the total score is 62, the last line of your response should be:
62`

// maxExtractionRetries bounds the schema-reminder loop. The LLM's output
// depends on its context window, not on elapsed time, so backoff makes
// no sense here; if it cannot follow the format after this many
// reminders the whole scoring attempt should be retried instead.
const maxExtractionRetries = 5

// ScoringResult is the structured output of one scoring evaluation,
// returned as JSON in FinalAnalysis.
type ScoringResult struct {
	TotalScore           int    `json:"total_score"`
	ScoreAnalysis        string `json:"score_analysis"`
	MissingToolsAnalysis string `json:"missing_tools_analysis"`
}

// ScoringController conducts a multi-turn judge conversation over a
// recorded session: a score evaluation turn, schema-reminder retries if
// the score cannot be extracted, then a missing-tools analysis turn.
type ScoringController struct{}

// NewScoringController creates a new scoring controller.
func NewScoringController() *ScoringController {
	return &ScoringController{}
}

// scoreRegex matches a number at the end of the last line.
var scoreRegex = regexp.MustCompile(`([+-]?\d+)\s*$`)

// Run executes the scoring evaluation. prevStageContext carries the
// formatted investigation record of the session under judgement.
func (c *ScoringController) Run(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	prevStageContext string,
) (*agent.ExecutionResult, error) {
	var totalUsage agent.TokenUsage

	messages := []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: execCtx.PromptBuilder.BuildScoringSystemPrompt()},
		{Role: agent.RoleUser, Content: execCtx.PromptBuilder.BuildScoringInitialPrompt(prevStageContext, scoringOutputSchema)},
	}

	resp, err := c.call(ctx, execCtx, messages, &totalUsage)
	if err != nil {
		return nil, fmt.Errorf("scoring LLM call failed: %w", err)
	}

	score, analysis, extractErr := extractScore(resp.Text)
	for attempt := 0; extractErr != nil && attempt < maxExtractionRetries; attempt++ {
		messages = append(messages,
			agent.ConversationMessage{Role: agent.RoleAssistant, Content: resp.Text},
			agent.ConversationMessage{Role: agent.RoleUser, Content: execCtx.PromptBuilder.BuildScoringSchemaReminderPrompt(scoringOutputSchema)},
		)
		resp, err = c.call(ctx, execCtx, messages, &totalUsage)
		if err != nil {
			return nil, fmt.Errorf("scoring extraction retry LLM call failed: %w", err)
		}
		score, analysis, extractErr = extractScore(resp.Text)
	}
	if extractErr != nil {
		return nil, fmt.Errorf("failed to extract score after retries: %w", extractErr)
	}

	messages = append(messages,
		agent.ConversationMessage{Role: agent.RoleAssistant, Content: resp.Text},
		agent.ConversationMessage{Role: agent.RoleUser, Content: execCtx.PromptBuilder.BuildScoringMissingToolsPrompt()},
	)
	missingToolsResp, err := c.call(ctx, execCtx, messages, &totalUsage)
	if err != nil {
		return nil, fmt.Errorf("missing tools LLM call failed: %w", err)
	}

	result := ScoringResult{
		TotalScore:           score,
		ScoreAnalysis:        analysis,
		MissingToolsAnalysis: missingToolsResp.Text,
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scoring result: %w", err)
	}

	return &agent.ExecutionResult{
		Status:        agent.ExecutionStatusCompleted,
		FinalAnalysis: string(resultJSON),
		TokensUsed:    totalUsage,
	}, nil
}

func (c *ScoringController) call(
	ctx context.Context,
	execCtx *agent.ExecutionContext,
	messages []agent.ConversationMessage,
	totalUsage *agent.TokenUsage,
) (*LLMResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, execCtx.Config.IterationTimeout)
	defer cancel()
	start := time.Now()

	resp, err := callLLM(callCtx, execCtx.LLMClient, &agent.GenerateInput{
		SessionID:        execCtx.SessionID,
		StageExecutionID: execCtx.ExecutionID,
		Messages:         messages,
		Provider:         execCtx.Config.LLMProvider,
	})
	logLLMCall(ctx, execCtx, 0, len(messages), resp, start, err)
	if err != nil {
		return nil, err
	}
	totalUsage.Add(resp.Usage)
	return resp, nil
}

// extractScore parses the numeric score off the last line; everything
// before it is the analysis.
func extractScore(text string) (score int, analysis string, err error) {
	text = strings.TrimRight(text, "\n\r ")
	if text == "" {
		return 0, "", fmt.Errorf("empty response text")
	}

	lastNewline := strings.LastIndex(text, "\n")
	lastLine := text
	if lastNewline != -1 {
		lastLine = text[lastNewline+1:]
	}

	match := scoreRegex.FindStringSubmatch(lastLine)
	if match == nil {
		return 0, "", fmt.Errorf("no numeric score found on last line: %q", lastLine)
	}
	score, err = strconv.Atoi(match[1])
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse score %q: %w", match[1], err)
	}

	if lastNewline != -1 {
		analysis = text[:lastNewline]
	}
	return score, analysis, nil
}
