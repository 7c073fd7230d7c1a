package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// StageLister reads a session's stage executions. Implemented by
// services.StageService.
type StageLister interface {
	ListStageExecutions(ctx context.Context, sessionID string) ([]*models.StageExecution, error)
}

var _ StageLister = (*services.StageService)(nil)

// BuildInvestigationContext assembles the full investigation record of a
// finished session into one document: the alert, each stage's output in
// chain order, and the final analysis. Fed to the chat and scoring
// executors as their conversation grounding.
func BuildInvestigationContext(sess *models.Session, stages []*models.StageExecution) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Alert\n\nType: %s\n\n```\n%s\n```\n", sess.AlertType, sess.AlertPayload)

	for _, exec := range stages {
		// Parent fan-out rows aggregate their children's outputs; the
		// children and the synthesis row carry the detail, so skip the
		// parents to avoid repeating every child output twice.
		if exec.ParallelType != models.ParallelTypeSingle && exec.ParentExecutionID == nil {
			continue
		}
		if exec.StageOutput == nil || *exec.StageOutput == "" {
			continue
		}
		title := exec.StageName
		if exec.ParentExecutionID != nil {
			title = fmt.Sprintf("%s (%s)", exec.StageName, exec.Agent)
		}
		fmt.Fprintf(&b, "\n## Stage: %s\n\n%s\n", title, *exec.StageOutput)
	}

	if sess.FinalAnalysis != nil && *sess.FinalAnalysis != "" {
		fmt.Fprintf(&b, "\n## Final Analysis\n\n%s\n", *sess.FinalAnalysis)
	}

	return b.String()
}
