package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/models"
)

type fakeScoreStore struct {
	mu            sync.Mutex
	inProgress    []string
	completed     map[string]int
	justification map[string]string
	failed        map[string]string
}

func newFakeScoreStore() *fakeScoreStore {
	return &fakeScoreStore{
		completed:     make(map[string]int),
		justification: make(map[string]string),
		failed:        make(map[string]string),
	}
}

func (f *fakeScoreStore) MarkScoreInProgress(_ context.Context, scoreID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inProgress = append(f.inProgress, scoreID)
	return nil
}

func (f *fakeScoreStore) CompleteScore(_ context.Context, scoreID string, score int, justification string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[scoreID] = score
	f.justification[scoreID] = justification
	return nil
}

func (f *fakeScoreStore) FailScore(_ context.Context, scoreID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[scoreID] = errorMessage
	return nil
}

func scoringTestConfig() *config.Config {
	return executorTestConfig(map[string]*config.ChainConfig{
		"scored-chain": {
			Scoring: &config.ScoringConfig{Enabled: true},
			Stages: []config.StageConfig{
				{Name: "investigate", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	})
}

func TestScoringRunRecordsVerdict(t *testing.T) {
	scores := newFakeScoreStore()
	factory := &scriptedFactory{run: func(_ context.Context, _ *agent.ExecutionContext, prev string) (*agent.ExecutionResult, error) {
		if prev == "" {
			return nil, errors.New("missing investigation context")
		}
		return completedResult(`{"total_score":72,"score_analysis":"Thorough investigation.","missing_tools_analysis":"A log search tool would have helped."}`)
	}}

	r := NewScoringRunner(scoringTestConfig(), factory, nil, &fakeStageLister{}, scores, nil, nil)
	err := r.Run(context.Background(), testSession("scored-chain"), "score-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"score-1"}, scores.inProgress)
	assert.Equal(t, 72, scores.completed["score-1"])
	assert.Contains(t, scores.justification["score-1"], "Thorough investigation.")
	assert.Contains(t, scores.justification["score-1"], "Missing Tools")
	assert.Contains(t, scores.justification["score-1"], "log search tool")
	assert.Empty(t, scores.failed)
}

func TestScoringRunRecordsFailure(t *testing.T) {
	scores := newFakeScoreStore()
	factory := &scriptedFactory{run: func(context.Context, *agent.ExecutionContext, string) (*agent.ExecutionResult, error) {
		return nil, errors.New("judge unavailable")
	}}

	r := NewScoringRunner(scoringTestConfig(), factory, nil, &fakeStageLister{}, scores, nil, nil)
	err := r.Run(context.Background(), testSession("scored-chain"), "score-1")
	require.Error(t, err)

	assert.Empty(t, scores.completed)
	assert.Contains(t, scores.failed["score-1"], "judge unavailable")
}

func TestScoringRunDisabledChain(t *testing.T) {
	cfg := executorTestConfig(map[string]*config.ChainConfig{
		"plain-chain": {Stages: []config.StageConfig{
			{Name: "investigate", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
		}},
	})

	scores := newFakeScoreStore()
	r := NewScoringRunner(cfg, &scriptedFactory{}, nil, &fakeStageLister{}, scores, nil, nil)
	err := r.Run(context.Background(), testSession("plain-chain"), "score-1")
	require.Error(t, err)
	assert.Contains(t, scores.failed["score-1"], "scoring is not enabled")
}

func TestScoringRunUnparsableVerdict(t *testing.T) {
	scores := newFakeScoreStore()
	factory := &scriptedFactory{run: func(context.Context, *agent.ExecutionContext, string) (*agent.ExecutionResult, error) {
		return completedResult("not json at all")
	}}

	r := NewScoringRunner(scoringTestConfig(), factory, nil, &fakeStageLister{}, scores, nil, nil)
	err := r.Run(context.Background(), testSession("scored-chain"), "score-1")
	require.Error(t, err)
	assert.Contains(t, scores.failed["score-1"], "failed to parse scoring result")
}

func TestBuildInvestigationContext(t *testing.T) {
	out1 := "first findings"
	out2 := "second findings"
	synth := "combined view"
	parentID := "parent-1"

	analysis := "final verdict"
	sess := testSession("test-chain")
	sess.FinalAnalysis = &analysis

	stages := []*models.StageExecution{
		{StageName: "investigate", ParallelType: models.ParallelTypeSingle, StageOutput: &out1},
		// Parent fan-out row aggregates the children; it must not repeat.
		{StageName: "deep-dive", ParallelType: models.ParallelTypeMultiAgent, StageOutput: &out2},
		{StageName: "deep-dive", Agent: "agent-b", ParallelType: models.ParallelTypeSingle, ParentExecutionID: &parentID, StageOutput: &out2},
		{StageName: "deep-dive - synthesis", ParallelType: models.ParallelTypeSingle, StageOutput: &synth},
		// Stages without output are skipped.
		{StageName: "empty", ParallelType: models.ParallelTypeSingle},
	}

	doc := BuildInvestigationContext(sess, stages)

	assert.Contains(t, doc, "PodCrashLoop")
	assert.Contains(t, doc, "first findings")
	assert.Contains(t, doc, "deep-dive (agent-b)")
	assert.Contains(t, doc, "combined view")
	assert.Contains(t, doc, "final verdict")
	assert.Equal(t, 1, strings.Count(doc, "second findings"), "parent row must not duplicate child output")
	assert.NotContains(t, doc, "## Stage: empty")
}
