package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/agent/prompt"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

func completedScore(id, sessionID, promptHash string) *models.SessionScore {
	score := 80
	justification := "solid investigation"
	completed := models.NowUS()
	return &models.SessionScore{
		ID:            id,
		SessionID:     sessionID,
		Status:        models.ScoreStatusCompleted,
		Score:         &score,
		Justification: &justification,
		PromptHash:    promptHash,
		CreatedAtUS:   models.NowUS(),
		CompletedAtUS: &completed,
	}
}

func TestCreateScoreRunsJudge(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/scores", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		ScoreID string `json:"score_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)

	require.True(t, f.scorer.waitForRun(time.Second))
	assert.Equal(t, []string{resp.ScoreID}, f.scorer.runs)

	created := f.scores.scores["sess-1"]
	require.Len(t, created, 1)
	assert.Equal(t, prompt.CurrentPromptHash(), created[0].PromptHash)
}

func TestCreateScoreRequiresTerminalSession(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(activeSession("sess-1", "k8s-chain"))

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/scores", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateScoreReturnsFreshExisting(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))
	f.scores.add(completedScore("score-old", "sess-1", prompt.CurrentPromptHash()))

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/scores", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ScoreID           string `json:"score_id"`
		CurrentPromptUsed bool   `json:"current_prompt_used"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "score-old", resp.ScoreID)
	assert.True(t, resp.CurrentPromptUsed)
	assert.False(t, f.scorer.waitForRun(50*time.Millisecond))
}

func TestCreateScoreForceRescore(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))
	f.scores.add(completedScore("score-old", "sess-1", prompt.CurrentPromptHash()))

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/scores",
		[]byte(`{"force_rescore":true}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.scorer.waitForRun(time.Second))
}

func TestCreateScoreStaleHashRescores(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))
	f.scores.add(completedScore("score-old", "sess-1", "stale-hash"))

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/scores", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, f.scorer.waitForRun(time.Second))
}

func TestListScoresMarksFreshness(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))
	f.scores.add(completedScore("score-1", "sess-1", "stale-hash"))
	f.scores.add(completedScore("score-2", "sess-1", prompt.CurrentPromptHash()))

	w := f.do(http.MethodGet, "/api/v1/sessions/sess-1/scores", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Scores []struct {
			ScoreID           string `json:"score_id"`
			CurrentPromptUsed bool   `json:"current_prompt_used"`
		} `json:"scores"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Scores, 2)
	assert.False(t, resp.Scores[0].CurrentPromptUsed)
	assert.True(t, resp.Scores[1].CurrentPromptUsed)
}

func TestLatestScore(t *testing.T) {
	f := newAPIFixture()
	f.scores.add(completedScore("score-1", "sess-1", prompt.CurrentPromptHash()))

	w := f.do(http.MethodGet, "/api/v1/sessions/sess-1/scores/latest", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"score-1"`)
}

func TestLatestScoreNotFound(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodGet, "/api/v1/sessions/sess-1/scores/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
