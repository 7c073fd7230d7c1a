package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

func TestListSessionsParsesFilters(t *testing.T) {
	f := newAPIFixture()
	f.sessions.listResult = []*models.Session{terminalSession("sess-1", "k8s-chain")}
	f.sessions.listTotal = 1

	w := f.do(http.MethodGet,
		"/api/v1/sessions?status=completed&status=failed&alert_type=PodCrashLoop&chain_id=k8s-chain&search=oom&limit=10&offset=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	filter := f.sessions.lastFilter
	assert.Equal(t, []models.SessionStatus{models.SessionStatusCompleted, models.SessionStatusFailed}, filter.Status)
	assert.Equal(t, "PodCrashLoop", filter.AlertType)
	assert.Equal(t, "k8s-chain", filter.ChainID)
	assert.Equal(t, "oom", filter.Search)
	assert.Equal(t, 10, filter.Limit)
	assert.Equal(t, 5, filter.Offset)

	var resp ListSessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)
	assert.Equal(t, 1, resp.Pagination.Total)
}

func TestListSessionsRejectsInvalidStatus(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodGet, "/api/v1/sessions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessionsClampsLimit(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodGet, "/api/v1/sessions?limit=9999", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxListLimit, f.sessions.lastFilter.Limit)
}

func TestGetSessionDetail(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))
	f.stages.add(&models.StageExecution{
		ID: "exec-1", SessionID: "sess-1", StageName: "investigate",
		Status: models.StageStatusCompleted, ParallelType: models.ParallelTypeSingle,
	})
	f.interactions.llm = []*models.LLMInteraction{{ID: "llm-1", SessionID: "sess-1"}}

	w := f.do(http.MethodGet, "/api/v1/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID       string                   `json:"session_id"`
		Stages          []*models.StageExecution `json:"stages"`
		LLMInteractions []*models.LLMInteraction `json:"llm_interactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	require.Len(t, resp.Stages, 1)
	assert.Equal(t, "investigate", resp.Stages[0].StageName)
	assert.Len(t, resp.LLMInteractions, 1)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newAPIFixture()

	w := f.do(http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelSessionPublishesAndInterrupts(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(activeSession("sess-1", "k8s-chain"))

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.publisher.sessions, 1)
	payload := f.publisher.sessions[0]
	assert.Equal(t, events.EventTypeSessionCancelled, payload.Type)
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "cancelled", payload.Status)

	assert.True(t, f.tracker.IsUserCancel("sess-1"))
}

func TestCancelSessionConflict(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(terminalSession("sess-1", "k8s-chain"))
	f.sessions.cancelErr = services.ErrConflict

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, f.publisher.sessions)
	assert.False(t, f.tracker.IsUserCancel("sess-1"))
}

func parallelFixture(f *apiFixture, siblingStatus models.StageStatus) {
	f.sessions.add(activeSession("sess-1", "k8s-chain"))
	parentID := "exec-parent"
	f.stages.add(&models.StageExecution{
		ID: parentID, SessionID: "sess-1", StageName: "investigate", StageIndex: 0,
		Status: models.StageStatusActive, ParallelType: models.ParallelTypeMultiAgent,
	})
	f.stages.add(&models.StageExecution{
		ID: "exec-child-0", SessionID: "sess-1", StageName: "investigate", StageIndex: 0,
		Agent: "agent-a", ParallelIndex: 1, ParentExecutionID: &parentID,
		Status: models.StageStatusActive, ParallelType: models.ParallelTypeMultiAgent,
	})
	f.stages.add(&models.StageExecution{
		ID: "exec-child-1", SessionID: "sess-1", StageName: "investigate", StageIndex: 0,
		Agent: "agent-b", ParallelIndex: 2, ParentExecutionID: &parentID,
		Status: siblingStatus, ParallelType: models.ParallelTypeMultiAgent,
	})
}

func TestCancelStageChildDerivesParent(t *testing.T) {
	f := newAPIFixture()
	parallelFixture(f, models.StageStatusCompleted)

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/stages/exec-child-0/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, models.StageStatusCancelled, f.stages.finished["exec-child-0"])
	// A cancelled sibling wins over a completed one for a multi-agent parent.
	assert.Equal(t, models.StageStatusCancelled, f.stages.derived["exec-parent"])

	require.Len(t, f.publisher.stages, 2)
	assert.Equal(t, "exec-child-0", f.publisher.stages[0].ExecutionID)
	assert.Equal(t, events.EventTypeStageCancelled, f.publisher.stages[0].Type)
	assert.Equal(t, "exec-parent", f.publisher.stages[1].ExecutionID)
	assert.Equal(t, events.EventTypeStageCancelled, f.publisher.stages[1].Type)
}

// Cancelling a child must interrupt its in-flight controller, not just
// write the row: the parent join would otherwise block until the child
// runs to natural completion.
func TestCancelStageInterruptsRunningChild(t *testing.T) {
	f := newAPIFixture()
	parallelFixture(f, models.StageStatusActive)

	childCtx, childCancel := context.WithCancel(t.Context())
	f.tracker.RegisterExecution("exec-child-0", childCancel)
	siblingCtx, siblingCancel := context.WithCancel(t.Context())
	defer siblingCancel()
	f.tracker.RegisterExecution("exec-child-1", siblingCancel)

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/stages/exec-child-0/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Error(t, childCtx.Err(), "cancelled child's context must be cancelled")
	assert.NoError(t, siblingCtx.Err(), "sibling keeps running")
	assert.False(t, f.tracker.IsUserCancel("sess-1"), "session itself is not cancelled")
}

func TestCancelStageSiblingStillRunning(t *testing.T) {
	f := newAPIFixture()
	parallelFixture(f, models.StageStatusActive)

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/stages/exec-child-0/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, models.StageStatusCancelled, f.stages.finished["exec-child-0"])
	assert.Empty(t, f.stages.derived)
	assert.Len(t, f.publisher.stages, 1)
}

func TestCancelStageRejectsNonChild(t *testing.T) {
	f := newAPIFixture()
	f.sessions.add(activeSession("sess-1", "k8s-chain"))
	f.stages.add(&models.StageExecution{
		ID: "exec-1", SessionID: "sess-1", StageName: "investigate",
		Status: models.StageStatusActive, ParallelType: models.ParallelTypeSingle,
	})

	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/stages/exec-1/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "parallel stage")
}

func TestCancelStageWrongSession(t *testing.T) {
	f := newAPIFixture()
	parallelFixture(f, models.StageStatusActive)

	w := f.do(http.MethodPost, "/api/v1/sessions/other-sess/stages/exec-child-0/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelStageAlreadyTerminal(t *testing.T) {
	f := newAPIFixture()
	parallelFixture(f, models.StageStatusCompleted)

	require.Equal(t, http.StatusOK,
		f.do(http.MethodPost, "/api/v1/sessions/sess-1/stages/exec-child-0/cancel", nil).Code)
	w := f.do(http.MethodPost, "/api/v1/sessions/sess-1/stages/exec-child-0/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
