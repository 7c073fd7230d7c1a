package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/agent/prompt"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// CreateScoreRequest triggers a judge evaluation. force_rescore runs a
// fresh evaluation even when a score with the current prompt exists.
type CreateScoreRequest struct {
	ForceRescore bool `json:"force_rescore"`
}

// ScoreView decorates a score with whether it was produced by the
// prompt currently in use.
type ScoreView struct {
	*models.SessionScore
	CurrentPromptUsed bool `json:"current_prompt_used"`
}

func scoreView(score *models.SessionScore) ScoreView {
	return ScoreView{
		SessionScore:      score,
		CurrentPromptUsed: score.PromptHash == prompt.CurrentPromptHash(),
	}
}

func (s *Server) handleCreateScore(c *gin.Context) {
	// The body is optional; an empty POST means a default request.
	var req CreateScoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if s.scorer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scoring is not available"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if !sess.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "scoring is only available after the session finishes"})
		return
	}

	if !req.ForceRescore {
		latest, err := s.scores.LatestScore(ctx, sessionID)
		if err == nil && latest.Status == models.ScoreStatusCompleted &&
			latest.PromptHash == prompt.CurrentPromptHash() {
			c.JSON(http.StatusOK, scoreView(latest))
			return
		}
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			abortWithServiceError(c, err)
			return
		}
	}

	score, err := s.scores.CreateScore(ctx, sessionID, prompt.CurrentPromptHash())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	// The evaluation outlives the request; the SSE stream and the score
	// endpoints report its outcome.
	go func() {
		_ = s.scorer.Run(context.Background(), sess, score.ID)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"score_id": score.ID,
		"status":   string(score.Status),
	})
}

func (s *Server) handleListScores(c *gin.Context) {
	scores, err := s.scores.ListScores(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	views := make([]ScoreView, 0, len(scores))
	for _, score := range scores {
		views = append(views, scoreView(score))
	}
	c.JSON(http.StatusOK, gin.H{"scores": views})
}

func (s *Server) handleLatestScore(c *gin.Context) {
	score, err := s.scores.LatestScore(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, scoreView(score))
}
