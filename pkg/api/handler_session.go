package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/queue"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// maxListLimit caps the page size of GET /sessions.
const maxListLimit = 200

// ListSessionsResponse is the paginated session listing.
type ListSessionsResponse struct {
	Sessions   []*models.Session `json:"sessions"`
	Pagination Pagination        `json:"pagination"`
}

type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// SessionDetail is the full session view: the session row plus its
// stage executions and the complete interaction timeline.
type SessionDetail struct {
	*models.Session
	Stages          []*models.StageExecution `json:"stages"`
	LLMInteractions []*models.LLMInteraction `json:"llm_interactions"`
	MCPInteractions []*models.MCPInteraction `json:"mcp_interactions"`
}

// CancelResponse acknowledges a session or stage cancellation.
type CancelResponse struct {
	Success       bool   `json:"success"`
	SessionStatus string `json:"session_status"`
	StageStatus   string `json:"stage_status,omitempty"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	filter := services.SessionFilter{
		AlertType: c.Query("alert_type"),
		ChainID:   c.Query("chain_id"),
		Search:    c.Query("search"),
	}

	for _, raw := range c.QueryArray("status") {
		status := models.SessionStatus(raw)
		switch status {
		case models.SessionStatusPending, models.SessionStatusInProgress,
			models.SessionStatusCompleted, models.SessionStatusFailed, models.SessionStatusCancelled:
			filter.Status = append(filter.Status, status)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status " + raw})
			return
		}
	}

	filter.Limit = intQuery(c, "limit", 50)
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	filter.Offset = intQuery(c, "offset", 0)

	sessions, total, err := s.sessions.ListSessions(c.Request.Context(), filter)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	c.JSON(http.StatusOK, ListSessionsResponse{
		Sessions:   sessions,
		Pagination: Pagination{Total: total, Limit: filter.Limit, Offset: filter.Offset},
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	stages, err := s.stages.ListStageExecutions(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	llm, err := s.interactions.ListLLMInteractions(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	mcp, err := s.interactions.ListMCPInteractions(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionDetail{
		Session:         sess,
		Stages:          stages,
		LLMInteractions: llm,
		MCPInteractions: mcp,
	})
}

// handleCancelSession cancels a whole session. The terminal row write
// happens here; the worker holding the session observes the context
// cancellation and skips its own terminal write on conflict.
func (s *Server) handleCancelSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	if err := s.sessions.CancelSession(ctx, sessionID); err != nil {
		abortWithServiceError(c, err)
		return
	}

	if s.publisher != nil {
		_ = s.publisher.PublishSessionLifecycle(ctx, events.SessionLifecyclePayload{
			Type:      events.EventTypeSessionCancelled,
			SessionID: sess.ID,
			AlertType: sess.AlertType,
			ChainID:   sess.ChainID,
			Status:    string(models.SessionStatusCancelled),
		})
	}

	// Interrupt the running execution last: the terminal row is already
	// ours, so the worker's late write conflicts and is skipped.
	if s.tracker != nil {
		s.tracker.MarkCancelled(sessionID)
	}

	c.JSON(http.StatusOK, CancelResponse{
		Success:       true,
		SessionStatus: string(models.SessionStatusCancelled),
	})
}

// handleCancelStage cancels one child of an active parallel stage and
// recomputes the parent immediately once all siblings are terminal.
func (s *Server) handleCancelStage(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	stageID := c.Param("stageID")

	exec, err := s.stages.GetStageExecution(ctx, stageID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if exec.SessionID != sessionID {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if exec.ParentExecutionID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only children of a parallel stage can be cancelled individually"})
		return
	}

	msg := "cancelled by user"
	if err := s.stages.FinishStageExecution(ctx, stageID, models.StageStatusCancelled, nil, &msg); err != nil {
		abortWithServiceError(c, err)
		return
	}
	s.publishStageEvent(c, exec, events.EventTypeStageCancelled, models.StageStatusCancelled, msg)

	// Interrupt the child's running controller last: its terminal row
	// is already ours, so the executor's late write conflicts and is
	// skipped while the join observes the cancellation.
	if s.tracker != nil {
		s.tracker.CancelExecution(stageID)
	}

	sessionStatus := s.recomputeParent(c, sessionID, *exec.ParentExecutionID)

	c.JSON(http.StatusOK, CancelResponse{
		Success:       true,
		SessionStatus: sessionStatus,
		StageStatus:   string(models.StageStatusCancelled),
	})
}

// recomputeParent derives the parent's status when every child is
// terminal. With children still in flight the parent stays active and
// the running join will derive it later. Returns the session's current
// status for the response.
func (s *Server) recomputeParent(c *gin.Context, sessionID, parentID string) string {
	ctx := c.Request.Context()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return ""
	}

	children, err := s.stages.ListChildren(ctx, parentID)
	if err != nil {
		return string(sess.Status)
	}

	statuses := make([]models.StageStatus, len(children))
	for i, child := range children {
		if !child.Status.IsTerminal() {
			return string(sess.Status)
		}
		statuses[i] = child.Status
	}

	parent, err := s.stages.GetStageExecution(ctx, parentID)
	if err != nil {
		return string(sess.Status)
	}

	continueOnFailure := false
	if chain, err := s.cfg.GetChain(sess.ChainID); err == nil && parent.StageIndex < len(chain.Stages) {
		continueOnFailure = chain.Stages[parent.StageIndex].ContinuesOnFailure(chain)
	}

	derived := queue.DeriveParentStatus(parent.ParallelType, statuses, continueOnFailure)
	if err := s.stages.SetDerivedParentStatus(ctx, parentID, derived, nil, nil); err == nil {
		s.publishStageEvent(c, parent, stageEventTypeFor(derived), derived, "")
	}

	return string(sess.Status)
}

func (s *Server) publishStageEvent(c *gin.Context, exec *models.StageExecution, eventType string, status models.StageStatus, errMsg string) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.PublishStageLifecycle(c.Request.Context(), events.StageLifecyclePayload{
		Type:          eventType,
		SessionID:     exec.SessionID,
		ExecutionID:   exec.ID,
		StageName:     exec.StageName,
		StageIndex:    exec.StageIndex,
		ParallelIndex: exec.ParallelIndex,
		Agent:         exec.Agent,
		Status:        string(status),
		Error:         errMsg,
	})
}

func stageEventTypeFor(status models.StageStatus) string {
	switch status {
	case models.StageStatusCompleted:
		return events.EventTypeStageCompleted
	case models.StageStatusCancelled:
		return events.EventTypeStageCancelled
	default:
		return events.EventTypeStageFailed
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
