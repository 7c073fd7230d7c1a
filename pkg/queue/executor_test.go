package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

// ─── fakes ───

type finishRecord struct {
	status models.StageStatus
	output *string
	errMsg *string
}

type fakeStageStore struct {
	mu       sync.Mutex
	created  []*models.StageExecution
	finished map[string]finishRecord
	derived  map[string]finishRecord
	startErr error
}

func newFakeStageStore() *fakeStageStore {
	return &fakeStageStore{
		finished: make(map[string]finishRecord),
		derived:  make(map[string]finishRecord),
	}
}

func (s *fakeStageStore) CreateStageExecution(_ context.Context, exec *models.StageExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.created = append(s.created, &copied)
	return nil
}

func (s *fakeStageStore) StartStageExecution(context.Context, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return 0, s.startErr
	}
	return models.NowUS(), nil
}

func (s *fakeStageStore) FinishStageExecution(_ context.Context, id string, status models.StageStatus, output, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[id] = finishRecord{status: status, output: output, errMsg: errMsg}
	return nil
}

func (s *fakeStageStore) SetDerivedParentStatus(_ context.Context, id string, status models.StageStatus, output, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.derived[id] = finishRecord{status: status, output: output, errMsg: errMsg}
	return nil
}

func (s *fakeStageStore) createdRows() []*models.StageExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.StageExecution(nil), s.created...)
}

type recordingSink struct {
	mu      sync.Mutex
	session []events.SessionLifecyclePayload
	stage   []events.StageLifecyclePayload
}

func (r *recordingSink) PublishSessionLifecycle(_ context.Context, p events.SessionLifecyclePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = append(r.session, p)
	return nil
}

func (r *recordingSink) PublishStageLifecycle(_ context.Context, p events.StageLifecyclePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = append(r.stage, p)
	return nil
}

func (r *recordingSink) stageTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.stage))
	for i, p := range r.stage {
		types[i] = p.Type
	}
	return types
}

// scriptedFactory hands out one controller whose behavior is a function
// of the execution context, so parallel children can diverge.
type scriptedFactory struct {
	run func(ctx context.Context, execCtx *agent.ExecutionContext, prev string) (*agent.ExecutionResult, error)
}

func (f *scriptedFactory) Create(config.IterationStrategy) (agent.Controller, error) {
	return &scriptedController{run: f.run}, nil
}

type scriptedController struct {
	run func(ctx context.Context, execCtx *agent.ExecutionContext, prev string) (*agent.ExecutionResult, error)
}

func (c *scriptedController) Run(ctx context.Context, execCtx *agent.ExecutionContext, prev string) (*agent.ExecutionResult, error) {
	return c.run(ctx, execCtx, prev)
}

func completedResult(analysis string) (*agent.ExecutionResult, error) {
	return &agent.ExecutionResult{Status: agent.ExecutionStatusCompleted, FinalAnalysis: analysis}, nil
}

// ─── fixtures ───

func executorTestConfig(chains map[string]*config.ChainConfig) *config.Config {
	return &config.Config{
		Defaults: &config.Defaults{
			LLMProvider:       "test-provider",
			MaxIterations:     config.IntPtr(5),
			IterationStrategy: config.IterationStrategyReact,
		},
		Queue: &config.QueueConfig{SessionTimeout: 600 * time.Second},
		AgentRegistry: config.NewAgentRegistry(map[string]*config.AgentConfig{
			"agent-a": {},
			"agent-b": {},
		}),
		ChainRegistry:     config.NewChainRegistry(chains),
		MCPServerRegistry: config.NewMCPServerRegistry(nil),
		LLMProviderRegistry: config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
			"test-provider": {Type: config.LLMProviderTypeGoogle, Model: "gemini-2.5-flash"},
		}),
	}
}

func testSession(chainID string) *models.Session {
	start := models.NowUS()
	return &models.Session{
		ID:           "sess-1",
		AlertType:    "PodCrashLoop",
		AlertPayload: `{"pod":"web-1"}`,
		ChainID:      chainID,
		Status:       models.SessionStatusInProgress,
		StartedAtUS:  &start,
	}
}

type executorFixture struct {
	executor *ChainExecutor
	stages   *fakeStageStore
	sink     *recordingSink
	tracker  *tarsysession.CancellationTracker
}

func newExecutorFixture(chains map[string]*config.ChainConfig, factory ControllerFactory) *executorFixture {
	stages := newFakeStageStore()
	sink := &recordingSink{}
	tracker := tarsysession.NewCancellationTracker()
	executor := NewChainExecutor(executorTestConfig(chains), factory, nil, stages, nil, sink, tracker, nil, nil)
	return &executorFixture{executor: executor, stages: stages, sink: sink, tracker: tracker}
}

// ─── DeriveParentStatus ───

func TestDeriveParentStatus(t *testing.T) {
	completed := models.StageStatusCompleted
	failed := models.StageStatusFailed
	cancelled := models.StageStatusCancelled

	tests := []struct {
		name              string
		ptype             models.ParallelType
		statuses          []models.StageStatus
		continueOnFailure bool
		want              models.StageStatus
	}{
		{
			name:     "multi-agent all completed",
			ptype:    models.ParallelTypeMultiAgent,
			statuses: []models.StageStatus{completed, completed},
			want:     completed,
		},
		{
			name:     "multi-agent cancellation wins over completion",
			ptype:    models.ParallelTypeMultiAgent,
			statuses: []models.StageStatus{completed, cancelled},
			want:     cancelled,
		},
		{
			name:     "multi-agent cancellation wins over failure",
			ptype:    models.ParallelTypeMultiAgent,
			statuses: []models.StageStatus{failed, cancelled, completed},
			want:     cancelled,
		},
		{
			name:     "multi-agent one failure fails the stage",
			ptype:    models.ParallelTypeMultiAgent,
			statuses: []models.StageStatus{completed, failed},
			want:     failed,
		},
		{
			name:              "multi-agent failure tolerated with continue_on_failure",
			ptype:             models.ParallelTypeMultiAgent,
			statuses:          []models.StageStatus{completed, failed},
			continueOnFailure: true,
			want:              completed,
		},
		{
			name:              "multi-agent all failed despite continue_on_failure",
			ptype:             models.ParallelTypeMultiAgent,
			statuses:          []models.StageStatus{failed, failed},
			continueOnFailure: true,
			want:              failed,
		},
		{
			name:     "replica one success carries the stage",
			ptype:    models.ParallelTypeReplica,
			statuses: []models.StageStatus{failed, completed, failed},
			want:     completed,
		},
		{
			name:     "replica success overridden when all others cancelled",
			ptype:    models.ParallelTypeReplica,
			statuses: []models.StageStatus{completed, cancelled, cancelled},
			want:     cancelled,
		},
		{
			name:     "replica all failed",
			ptype:    models.ParallelTypeReplica,
			statuses: []models.StageStatus{failed, failed, failed},
			want:     failed,
		},
		{
			name:     "replica cancellation without success",
			ptype:    models.ParallelTypeReplica,
			statuses: []models.StageStatus{failed, cancelled},
			want:     cancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveParentStatus(tt.ptype, tt.statuses, tt.continueOnFailure)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ─── sequential chains ───

func TestExecuteSequentialChainCompletes(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{Name: "investigate", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
				{Name: "analyze", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	}

	var prevSeen []string
	var mu sync.Mutex
	factory := &scriptedFactory{run: func(_ context.Context, execCtx *agent.ExecutionContext, prev string) (*agent.ExecutionResult, error) {
		mu.Lock()
		prevSeen = append(prevSeen, prev)
		mu.Unlock()
		return completedResult("output of " + execCtx.StageName)
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusCompleted, result.Status)
	assert.Equal(t, "output of analyze", result.FinalAnalysis)

	rows := f.stages.createdRows()
	require.Len(t, rows, 2)
	assert.Equal(t, "investigate", rows[0].StageName)
	assert.Equal(t, 0, rows[0].StageIndex)
	assert.Equal(t, "analyze", rows[1].StageName)
	assert.Equal(t, 1, rows[1].StageIndex)

	// The second stage sees the first stage's output under its heading.
	require.Len(t, prevSeen, 2)
	assert.Empty(t, prevSeen[0])
	assert.Equal(t, "### investigate\n\noutput of investigate", prevSeen[1])

	assert.Equal(t, []string{
		events.EventTypeStageStarted,
		events.EventTypeStageCompleted,
		events.EventTypeStageStarted,
		events.EventTypeStageCompleted,
	}, f.sink.stageTypes())
}

func TestExecuteStageFailureStopsChain(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{Name: "investigate", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
				{Name: "analyze", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	}

	factory := &scriptedFactory{run: func(context.Context, *agent.ExecutionContext, string) (*agent.ExecutionResult, error) {
		return nil, errors.New("LLM call failed")
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusFailed, result.Status)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "LLM call failed")

	// The second stage never ran.
	assert.Len(t, f.stages.createdRows(), 1)
	assert.Equal(t, []string{
		events.EventTypeStageStarted,
		events.EventTypeStageFailed,
	}, f.sink.stageTypes())
}

func TestExecuteContinueOnFailure(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			ContinueOnFailure: true,
			Stages: []config.StageConfig{
				{Name: "flaky", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
				{Name: "analyze", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	}

	factory := &scriptedFactory{run: func(_ context.Context, execCtx *agent.ExecutionContext, _ string) (*agent.ExecutionResult, error) {
		if execCtx.StageName == "flaky" {
			return nil, errors.New("transient failure")
		}
		return completedResult("final analysis")
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusCompleted, result.Status)
	assert.Equal(t, "final analysis", result.FinalAnalysis)
	assert.Len(t, f.stages.createdRows(), 2)
}

func TestExecuteStageLevelOverrideStopsChain(t *testing.T) {
	// Chain tolerates failures, but the stage opts out.
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			ContinueOnFailure: true,
			Stages: []config.StageConfig{
				{
					Name:              "critical",
					Agents:            []config.StageAgentConfig{{Name: "agent-a"}},
					ContinueOnFailure: config.BoolPtr(false),
				},
				{Name: "analyze", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	}

	factory := &scriptedFactory{run: func(context.Context, *agent.ExecutionContext, string) (*agent.ExecutionResult, error) {
		return nil, errors.New("critical failure")
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusFailed, result.Status)
	assert.Len(t, f.stages.createdRows(), 1)
}

func TestExecuteMissingChainFails(t *testing.T) {
	f := newExecutorFixture(nil, &scriptedFactory{})
	result := f.executor.Execute(context.Background(), testSession("no-such-chain"))

	assert.Equal(t, models.SessionStatusFailed, result.Status)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "no-such-chain")
	assert.Empty(t, f.stages.createdRows())
}

// ─── timeouts and cancellation ───

var timeoutMsgRe = regexp.MustCompile(`^\w+ stage timed out after \d+\.\ds \(started at \+\d+\.\ds into session, session timeout: 600s\)$`)

func TestExecuteStageTimeout(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{
					Name:    "slow",
					Agents:  []config.StageAgentConfig{{Name: "agent-a"}},
					Timeout: 20 * time.Millisecond,
				},
			},
		},
	}

	factory := &scriptedFactory{run: func(ctx context.Context, _ *agent.ExecutionContext, _ string) (*agent.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusFailed, result.Status)
	require.Error(t, result.Error)
	assert.Regexp(t, timeoutMsgRe, result.Error.Error())

	assert.Equal(t, []string{
		events.EventTypeStageStarted,
		events.EventTypeStageFailed,
	}, f.sink.stageTypes())
}

func TestExecuteUserCancelStopsChain(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{Name: "investigate", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
				{Name: "analyze", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	}

	sess := testSession("test-chain")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var f *executorFixture
	factory := &scriptedFactory{run: func(runCtx context.Context, _ *agent.ExecutionContext, _ string) (*agent.ExecutionResult, error) {
		// Simulate the cancel endpoint firing mid-execution.
		f.tracker.MarkCancelled(sess.ID)
		cancel()
		<-runCtx.Done()
		return &agent.ExecutionResult{Status: agent.ExecutionStatusCancelled, Error: runCtx.Err()}, nil
	}}

	f = newExecutorFixture(chains, factory)
	f.tracker.Register(sess.ID, cancel)
	defer f.tracker.Clear(sess.ID)

	result := f.executor.Execute(ctx, sess)

	assert.Equal(t, models.SessionStatusCancelled, result.Status)
	assert.Len(t, f.stages.createdRows(), 1, "chain must stop at the cancelled stage")
	assert.Equal(t, []string{
		events.EventTypeStageStarted,
		events.EventTypeStageCancelled,
	}, f.sink.stageTypes())
}

// ─── parallel stages ───

func TestExecuteMultiAgentStageWithSynthesis(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{
					Name: "investigate",
					Agents: []config.StageAgentConfig{
						{Name: "agent-a"},
						{Name: "agent-b"},
					},
				},
			},
		},
	}

	factory := &scriptedFactory{run: func(_ context.Context, execCtx *agent.ExecutionContext, prev string) (*agent.ExecutionResult, error) {
		if execCtx.Config.Strategy == config.IterationStrategySynthesis {
			// Synthesis sees both child outputs.
			if !regexp.MustCompile(`agent-a \(1/2\)`).MatchString(prev) {
				return nil, fmt.Errorf("synthesis input missing child output: %q", prev)
			}
			return completedResult("synthesized analysis")
		}
		return completedResult("findings from " + execCtx.AgentName)
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusCompleted, result.Status)
	assert.Equal(t, "synthesized analysis", result.FinalAnalysis)

	rows := f.stages.createdRows()
	require.Len(t, rows, 4, "parent, two children, synthesis")

	parent := rows[0]
	assert.Equal(t, models.ParallelTypeMultiAgent, parent.ParallelType)
	assert.Equal(t, models.StageStatusActive, parent.Status, "parent is born active")
	assert.NotNil(t, parent.StartedAtUS)

	for i, child := range rows[1:3] {
		require.NotNil(t, child.ParentExecutionID)
		assert.Equal(t, parent.ID, *child.ParentExecutionID)
		assert.Equal(t, i, child.ParallelIndex)
	}
	assert.Equal(t, "agent-a", rows[1].Agent)
	assert.Equal(t, "agent-b", rows[2].Agent)

	synthesis := rows[3]
	assert.Equal(t, "investigate - synthesis", synthesis.StageName)
	assert.Nil(t, synthesis.ParentExecutionID)

	f.stages.mu.Lock()
	derived, ok := f.stages.derived[parent.ID]
	f.stages.mu.Unlock()
	require.True(t, ok, "parent status must be derived at join")
	assert.Equal(t, models.StageStatusCompleted, derived.status)

	// Parent fan-out announced before any child starts.
	types := f.sink.stageTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeStageStarted, types[0])
}

func TestExecuteMultiAgentCancellationWins(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{
					Name: "investigate",
					Agents: []config.StageAgentConfig{
						{Name: "agent-a"},
						{Name: "agent-b"},
					},
				},
				{Name: "analyze", Agents: []config.StageAgentConfig{{Name: "agent-a"}}},
			},
		},
	}

	factory := &scriptedFactory{run: func(_ context.Context, execCtx *agent.ExecutionContext, _ string) (*agent.ExecutionResult, error) {
		if execCtx.AgentName == "agent-a" {
			return completedResult("findings from agent-a")
		}
		return &agent.ExecutionResult{Status: agent.ExecutionStatusCancelled}, nil
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusCancelled, result.Status)

	rows := f.stages.createdRows()
	require.Len(t, rows, 3, "parent and two children; no synthesis, no next stage")

	f.stages.mu.Lock()
	derived := f.stages.derived[rows[0].ID]
	f.stages.mu.Unlock()
	assert.Equal(t, models.StageStatusCancelled, derived.status,
		"cancellation wins even though a sibling completed")
}

// A per-child cancel must unblock the child's in-flight controller
// through its registered cancel func; the sibling is untouched and the
// parent join derives cancellation.
func TestExecutePerChildCancelInterruptsController(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{
					Name: "investigate",
					Agents: []config.StageAgentConfig{
						{Name: "agent-a"},
						{Name: "agent-b"},
					},
				},
			},
		},
	}

	var f *executorFixture
	factory := &scriptedFactory{run: func(runCtx context.Context, execCtx *agent.ExecutionContext, _ string) (*agent.ExecutionResult, error) {
		if execCtx.AgentName == "agent-b" {
			return completedResult("findings from agent-b")
		}
		// Simulate the per-child cancel endpoint firing mid-execution.
		if !f.tracker.CancelExecution(execCtx.ExecutionID) {
			return nil, errors.New("execution not registered for cancellation")
		}
		<-runCtx.Done()
		return &agent.ExecutionResult{Status: agent.ExecutionStatusCancelled, Error: runCtx.Err()}, nil
	}}

	f = newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusCancelled, result.Status)

	rows := f.stages.createdRows()
	require.Len(t, rows, 3, "parent and two children")

	f.stages.mu.Lock()
	derived := f.stages.derived[rows[0].ID]
	f.stages.mu.Unlock()
	assert.Equal(t, models.StageStatusCancelled, derived.status)
}

func TestExecuteReplicaStageOneSuccessCarries(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{
					Name:     "investigate",
					Agents:   []config.StageAgentConfig{{Name: "agent-a"}},
					Replicas: 3,
				},
			},
		},
	}

	factory := &scriptedFactory{run: func(_ context.Context, execCtx *agent.ExecutionContext, _ string) (*agent.ExecutionResult, error) {
		if execCtx.Config.Strategy == config.IterationStrategySynthesis {
			return completedResult("synthesized analysis")
		}
		if execCtx.ParallelIndex == 1 {
			return completedResult("replica findings")
		}
		return nil, errors.New("replica failed")
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusCompleted, result.Status)

	rows := f.stages.createdRows()
	require.Len(t, rows, 5, "parent, three replicas, synthesis")
	assert.Equal(t, models.ParallelTypeReplica, rows[0].ParallelType)

	f.stages.mu.Lock()
	derived := f.stages.derived[rows[0].ID]
	f.stages.mu.Unlock()
	assert.Equal(t, models.StageStatusCompleted, derived.status)
}

func TestExecuteParallelAllFailedSkipsSynthesis(t *testing.T) {
	chains := map[string]*config.ChainConfig{
		"test-chain": {
			Stages: []config.StageConfig{
				{
					Name: "investigate",
					Agents: []config.StageAgentConfig{
						{Name: "agent-a"},
						{Name: "agent-b"},
					},
				},
			},
		},
	}

	factory := &scriptedFactory{run: func(context.Context, *agent.ExecutionContext, string) (*agent.ExecutionResult, error) {
		return nil, errors.New("boom")
	}}

	f := newExecutorFixture(chains, factory)
	result := f.executor.Execute(context.Background(), testSession("test-chain"))

	assert.Equal(t, models.SessionStatusFailed, result.Status)
	assert.Len(t, f.stages.createdRows(), 3, "no synthesis without any child output")
}
