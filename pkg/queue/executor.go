package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/agent/controller"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/events"
	"github.com/tarsy-bot/tarsy/pkg/models"
	"github.com/tarsy-bot/tarsy/pkg/services"
	tarsysession "github.com/tarsy-bot/tarsy/pkg/session"
)

// ControllerFactory creates iteration controllers by strategy.
type ControllerFactory interface {
	Create(strategy config.IterationStrategy) (agent.Controller, error)
}

var _ ControllerFactory = (*controller.Factory)(nil)

// ChainExecutor walks a claimed session through its chain: one stage at
// a time, fanning out parallel stages into concurrent child executions
// and joining on all of them before moving on. It persists every stage
// transition and publishes the matching lifecycle events as it goes.
type ChainExecutor struct {
	cfg      *config.Config
	resolver *agent.ConfigResolver
	factory  ControllerFactory
	llm      agent.LLMClient
	stages   StageStore
	log      agent.InteractionLogger
	sink     EventSink
	tracker  *tarsysession.CancellationTracker
	prompt   agent.PromptBuilder
	tools    ToolSessionFactory

	sessionTimeout time.Duration
}

var _ SessionExecutor = (*ChainExecutor)(nil)

// NewChainExecutor creates the executor. tools may be nil (no MCP; all
// executions run with a stub tool executor), sink may be nil.
func NewChainExecutor(
	cfg *config.Config,
	factory ControllerFactory,
	llm agent.LLMClient,
	stages StageStore,
	log agent.InteractionLogger,
	sink EventSink,
	tracker *tarsysession.CancellationTracker,
	prompt agent.PromptBuilder,
	tools ToolSessionFactory,
) *ChainExecutor {
	e := &ChainExecutor{
		cfg:      cfg,
		resolver: agent.NewConfigResolver(cfg),
		factory:  factory,
		llm:      llm,
		stages:   stages,
		log:      log,
		sink:     sink,
		tracker:  tracker,
		prompt:   prompt,
		tools:    tools,
	}
	if cfg.Queue != nil {
		e.sessionTimeout = cfg.Queue.SessionTimeout
	} else {
		e.sessionTimeout = config.DefaultQueueConfig().SessionTimeout
	}
	return e
}

// sessionRun carries per-session execution state.
type sessionRun struct {
	session *models.Session
	chain   *config.ChainConfig
	startUS int64
	tools   ToolSession
}

func (r *sessionRun) closeTools() {
	if r.tools != nil {
		if err := r.tools.Close(); err != nil {
			slog.Warn("Failed to close tool session", "session_id", r.session.ID, "error", err)
		}
	}
}

// stageOutcome is the result of one stage (or one child execution).
type stageOutcome struct {
	status models.StageStatus
	output string
	err    error
}

// Execute runs the whole chain for one session. The returned result is
// terminal; all stage rows and events were written during execution.
func (e *ChainExecutor) Execute(ctx context.Context, sess *models.Session) *ExecutionResult {
	chain, err := e.cfg.GetChain(sess.ChainID)
	if err != nil {
		return &ExecutionResult{
			Status: models.SessionStatusFailed,
			Error:  fmt.Errorf("chain %q is not configured: %w", sess.ChainID, err),
		}
	}

	run := &sessionRun{session: sess, chain: chain, startUS: sessionStart(sess)}
	if e.tools != nil {
		run.tools = e.tools.NewToolSession(sess.ID)
	}
	defer run.closeTools()

	var sections []string
	var finalAnalysis string
	var firstFailure error

	for i := range chain.Stages {
		stage := &chain.Stages[i]
		prevContext := strings.Join(sections, "\n\n")

		var outcome stageOutcome
		if stage.IsParallel() {
			outcome = e.executeParallelStage(ctx, run, stage, i, prevContext)
		} else {
			outcome = e.executeSingleStage(ctx, run, stage, i, prevContext)
		}

		if outcome.output != "" {
			sections = append(sections, fmt.Sprintf("### %s\n\n%s", stage.Name, outcome.output))
			finalAnalysis = outcome.output
		}

		switch outcome.status {
		case models.StageStatusCancelled:
			return &ExecutionResult{Status: models.SessionStatusCancelled, Error: outcome.err}
		case models.StageStatusFailed:
			if !stage.ContinuesOnFailure(chain) {
				return &ExecutionResult{Status: models.SessionStatusFailed, Error: outcome.err}
			}
			if firstFailure == nil {
				firstFailure = outcome.err
			}
			slog.Warn("Stage failed, chain continues",
				"session_id", sess.ID, "stage", stage.Name, "error", outcome.err)
		}
	}

	if finalAnalysis == "" {
		err := firstFailure
		if err == nil {
			err = errors.New("chain produced no analysis")
		}
		return &ExecutionResult{Status: models.SessionStatusFailed, Error: err}
	}
	return &ExecutionResult{Status: models.SessionStatusCompleted, FinalAnalysis: finalAnalysis}
}

func sessionStart(sess *models.Session) int64 {
	if sess.StartedAtUS != nil {
		return *sess.StartedAtUS
	}
	return models.NowUS()
}

// ─── single stage ───

func (e *ChainExecutor) executeSingleStage(ctx context.Context, run *sessionRun, stage *config.StageConfig, stageIndex int, prevContext string) stageOutcome {
	resolved, err := e.resolver.ResolveStageAgent(run.chain, stage, stage.Agents[0])
	if err != nil {
		return stageOutcome{status: models.StageStatusFailed, err: err}
	}

	exec := services.NewStageExecution(run.session.ID, stageIndex, stage.Name, resolved.AgentName, string(resolved.Strategy))
	if err := e.stages.CreateStageExecution(ctx, exec); err != nil {
		return stageOutcome{status: models.StageStatusFailed, err: err}
	}

	return e.runExecution(ctx, run, stage, exec, resolved, prevContext)
}

// ─── parallel stage ───

func (e *ChainExecutor) executeParallelStage(ctx context.Context, run *sessionRun, stage *config.StageConfig, stageIndex int, prevContext string) stageOutcome {
	ptype := models.ParallelTypeMultiAgent
	if len(stage.Agents) == 1 {
		ptype = models.ParallelTypeReplica
	}

	// Resolve every child before creating any row: a configuration error
	// fails the stage without leaving half a fan-out behind.
	var resolvedChildren []*agent.ResolvedAgentConfig
	if ptype == models.ParallelTypeReplica {
		resolved, err := e.resolver.ResolveStageAgent(run.chain, stage, stage.Agents[0])
		if err != nil {
			return stageOutcome{status: models.StageStatusFailed, err: err}
		}
		for i := 0; i < stage.EffectiveReplicas(); i++ {
			resolvedChildren = append(resolvedChildren, resolved)
		}
	} else {
		for _, ref := range stage.Agents {
			resolved, err := e.resolver.ResolveStageAgent(run.chain, stage, ref)
			if err != nil {
				return stageOutcome{status: models.StageStatusFailed, err: err}
			}
			resolvedChildren = append(resolvedChildren, resolved)
		}
	}

	// The parent is a bookkeeping row: born active, its terminal status
	// is derived from the children at join.
	now := models.NowUS()
	parent := services.NewStageExecution(run.session.ID, stageIndex, stage.Name, "", "")
	parent.ParallelType = ptype
	parent.Status = models.StageStatusActive
	parent.StartedAtUS = &now
	if err := e.stages.CreateStageExecution(ctx, parent); err != nil {
		return stageOutcome{status: models.StageStatusFailed, err: err}
	}
	e.publishStage(ctx, run.session.ID, parent, events.EventTypeStageStarted, models.StageStatusActive, "")

	children := make([]*models.StageExecution, len(resolvedChildren))
	for i, resolved := range resolvedChildren {
		child := services.NewStageExecution(run.session.ID, stageIndex, stage.Name, resolved.AgentName, string(resolved.Strategy))
		child.ParentExecutionID = &parent.ID
		child.ParallelIndex = i
		if err := e.stages.CreateStageExecution(ctx, child); err != nil {
			msg := err.Error()
			_ = e.stages.SetDerivedParentStatus(ctx, parent.ID, models.StageStatusFailed, nil, &msg)
			e.publishStage(ctx, run.session.ID, parent, events.EventTypeStageFailed, models.StageStatusFailed, msg)
			return stageOutcome{status: models.StageStatusFailed, err: err}
		}
		children[i] = child
	}

	outcomes := make([]stageOutcome, len(children))
	var wg sync.WaitGroup
	for i := range children {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.runExecution(ctx, run, stage, children[i], resolvedChildren[i], prevContext)
		}(i)
	}
	wg.Wait()

	statuses := make([]models.StageStatus, len(outcomes))
	for i, oc := range outcomes {
		statuses[i] = oc.status
	}
	derived := DeriveParentStatus(ptype, statuses, stage.ContinuesOnFailure(run.chain))
	childOutput := formatChildOutputs(children, outcomes)
	parentErr := firstFatal(outcomes)

	// Synthesis folds the children's outputs into one analysis. It runs
	// whenever any child produced output, even past child failures, but
	// never after a user cancel.
	stageOutput := childOutput
	var synthesis *stageOutcome
	if derived != models.StageStatusCancelled && childOutput != "" {
		syn := e.runSynthesis(ctx, run, stage, stageIndex, childOutput)
		synthesis = &syn
		if syn.status == models.StageStatusCompleted {
			stageOutput = syn.output
		}
	}

	var outPtr, errPtr *string
	if childOutput != "" {
		outPtr = &childOutput
	}
	if parentErr != nil {
		msg := parentErr.Error()
		errPtr = &msg
	}
	if err := e.stages.SetDerivedParentStatus(ctx, parent.ID, derived, outPtr, errPtr); err != nil {
		slog.Error("Failed to set derived parent status",
			"session_id", run.session.ID, "execution_id", parent.ID, "error", err)
	}
	e.publishStage(context.Background(), run.session.ID, parent, stageEventType(derived), derived, errString(parentErr))

	outcome := stageOutcome{status: derived, output: stageOutput, err: parentErr}
	if synthesis != nil {
		switch synthesis.status {
		case models.StageStatusCancelled:
			outcome.status = models.StageStatusCancelled
			outcome.err = synthesis.err
		case models.StageStatusFailed:
			if derived == models.StageStatusCompleted {
				outcome.status = models.StageStatusFailed
				outcome.err = synthesis.err
			}
		}
	}
	return outcome
}

func (e *ChainExecutor) runSynthesis(ctx context.Context, run *sessionRun, stage *config.StageConfig, stageIndex int, childOutput string) stageOutcome {
	resolved, err := e.resolver.ResolveSynthesis(run.chain, stage)
	if err != nil {
		return stageOutcome{status: models.StageStatusFailed, err: err}
	}

	exec := services.NewStageExecution(run.session.ID, stageIndex, stage.Name+" - synthesis", resolved.AgentName, string(resolved.Strategy))
	if err := e.stages.CreateStageExecution(ctx, exec); err != nil {
		return stageOutcome{status: models.StageStatusFailed, err: err}
	}

	return e.runExecution(ctx, run, stage, exec, resolved, childOutput)
}

// DeriveParentStatus computes a fan-out parent's terminal status from
// its children. Cancellation is loudest: a user cancel anywhere means
// the chain must not continue. The replica exception: one successful
// replica carries the stage unless every other replica was cancelled.
func DeriveParentStatus(ptype models.ParallelType, statuses []models.StageStatus, continueOnFailure bool) models.StageStatus {
	var completed, failed, cancelled int
	for _, s := range statuses {
		switch s {
		case models.StageStatusCompleted:
			completed++
		case models.StageStatusFailed:
			failed++
		case models.StageStatusCancelled:
			cancelled++
		}
	}

	if ptype == models.ParallelTypeReplica && completed > 0 {
		others := len(statuses) - completed
		if others > 0 && cancelled == others {
			return models.StageStatusCancelled
		}
		return models.StageStatusCompleted
	}

	switch {
	case cancelled > 0:
		return models.StageStatusCancelled
	case failed > 0:
		if completed > 0 && continueOnFailure {
			return models.StageStatusCompleted
		}
		return models.StageStatusFailed
	default:
		return models.StageStatusCompleted
	}
}

func formatChildOutputs(children []*models.StageExecution, outcomes []stageOutcome) string {
	var parts []string
	for i, oc := range outcomes {
		if oc.status != models.StageStatusCompleted || oc.output == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("#### %s (%d/%d)\n\n%s",
			children[i].Agent, i+1, len(children), oc.output))
	}
	return strings.Join(parts, "\n\n")
}

// firstFatal returns the first failed child's error in index order, or
// any cancellation error when nothing failed outright.
func firstFatal(outcomes []stageOutcome) error {
	for _, oc := range outcomes {
		if oc.status == models.StageStatusFailed && oc.err != nil {
			return oc.err
		}
	}
	for _, oc := range outcomes {
		if oc.err != nil {
			return oc.err
		}
	}
	return nil
}

// ─── one execution ───

// runExecution drives one stage execution row through active to a
// terminal status: build the context, run the controller under the
// stage deadline, classify the result.
func (e *ChainExecutor) runExecution(
	ctx context.Context,
	run *sessionRun,
	stage *config.StageConfig,
	exec *models.StageExecution,
	resolved *agent.ResolvedAgentConfig,
	prevContext string,
) stageOutcome {
	startUS, err := e.stages.StartStageExecution(ctx, exec.ID)
	if err != nil {
		return e.settle(run, exec, models.StageStatusFailed, "", fmt.Errorf("failed to start stage execution: %w", err))
	}
	e.publishStage(ctx, run.session.ID, exec, events.EventTypeStageStarted, models.StageStatusActive, "")

	stageCtx, cancel := e.stageContext(ctx, stage)
	defer cancel()

	// The per-child cancel endpoint interrupts this execution through
	// the tracker; siblings keep their own contexts.
	e.tracker.RegisterExecution(exec.ID, cancel)
	defer e.tracker.ClearExecution(exec.ID)

	execCtx := &agent.ExecutionContext{
		SessionID:        run.session.ID,
		ExecutionID:      exec.ID,
		StageName:        exec.StageName,
		StageIndex:       exec.StageIndex,
		ParallelIndex:    exec.ParallelIndex,
		AgentName:        resolved.AgentName,
		AlertType:        run.session.AlertType,
		AlertData:        run.session.AlertPayload,
		Config:           resolved,
		SessionStartedUS: run.startUS,
		SessionTimeout:   e.sessionTimeout,
		LLMClient:        e.llm,
		Log:              e.log,
		PromptBuilder:    e.prompt,
	}
	if run.tools != nil && resolved.Strategy.UsesTools() && len(resolved.MCPServers) > 0 {
		execCtx.ToolExecutor = run.tools.ExecutorFor(stageCtx, resolved.MCPServers, &exec.ID)
	} else {
		execCtx.ToolExecutor = &agent.StubToolExecutor{}
	}

	ctrl, err := e.factory.Create(resolved.Strategy)
	if err != nil {
		return e.settle(run, exec, models.StageStatusFailed, "", err)
	}

	result, runErr := ctrl.Run(stageCtx, execCtx, prevContext)
	elapsed := time.Duration(models.NowUS()-startUS) * time.Microsecond
	offset := time.Duration(startUS-run.startUS) * time.Microsecond

	switch {
	case runErr == nil && result != nil && result.Status == agent.ExecutionStatusCompleted:
		return e.settle(run, exec, models.StageStatusCompleted, result.FinalAnalysis, nil)

	case e.tracker.IsUserCancel(run.session.ID),
		result != nil && result.Status == agent.ExecutionStatusCancelled:
		return e.settle(run, exec, models.StageStatusCancelled, "", errors.New("cancelled by user"))

	case errors.Is(stageCtx.Err(), context.DeadlineExceeded) || errors.Is(runErr, context.DeadlineExceeded):
		msg := stageTimeoutMessage(exec.StageName, elapsed, offset, e.sessionTimeout)
		return e.settle(run, exec, models.StageStatusFailed, "", errors.New(msg))

	case errors.Is(stageCtx.Err(), context.Canceled):
		// Cancelled without a session-level user request: shutdown, or a
		// per-child cancel that already wrote this execution's terminal
		// row (settle's conflict path covers that).
		return e.settle(run, exec, models.StageStatusCancelled, "", context.Canceled)

	default:
		err := runErr
		if err == nil && result != nil && result.Error != nil {
			err = result.Error
		}
		if err == nil {
			err = errors.New("stage produced no result")
		}
		return e.settle(run, exec, models.StageStatusFailed, "", err)
	}
}

// settle writes the execution's terminal status and publishes the
// matching event. Writes run on a background-derived context inside the
// store so late results survive cancellation.
func (e *ChainExecutor) settle(run *sessionRun, exec *models.StageExecution, status models.StageStatus, output string, outErr error) stageOutcome {
	var outPtr, errPtr *string
	if output != "" {
		outPtr = &output
	}
	if outErr != nil {
		msg := outErr.Error()
		errPtr = &msg
	}

	if err := e.stages.FinishStageExecution(context.Background(), exec.ID, status, outPtr, errPtr); err != nil {
		if errors.Is(err, services.ErrConflict) {
			// The per-child cancel endpoint is the only concurrent terminal
			// writer, so a conflict means this execution was cancelled out
			// from under us. Its row and event stand; the join sees the
			// cancellation.
			slog.Info("Stage execution already terminal",
				"session_id", run.session.ID, "execution_id", exec.ID, "status", status)
			return stageOutcome{status: models.StageStatusCancelled, err: errors.New("cancelled by user")}
		}
		slog.Error("Failed to finish stage execution",
			"session_id", run.session.ID, "execution_id", exec.ID, "error", err)
	}

	e.publishStage(context.Background(), run.session.ID, exec, stageEventType(status), status, errString(outErr))
	return stageOutcome{status: status, output: output, err: outErr}
}

// stageContext derives the execution deadline:
// min(session remaining, stage cap).
func (e *ChainExecutor) stageContext(ctx context.Context, stage *config.StageConfig) (context.Context, context.CancelFunc) {
	budget := stage.Timeout
	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		if budget <= 0 || remaining < budget {
			budget = remaining
		}
		return context.WithTimeout(ctx, budget)
	}
	if budget > 0 {
		return context.WithTimeout(ctx, budget)
	}
	return context.WithCancel(ctx)
}

// stageTimeoutMessage formats a stage deadline failure.
func stageTimeoutMessage(stageName string, elapsed, offset, sessionTimeout time.Duration) string {
	return fmt.Sprintf("%s stage timed out after %.1fs (started at +%.1fs into session, session timeout: %ds)",
		stageName, elapsed.Seconds(), offset.Seconds(), int(sessionTimeout.Seconds()))
}

func stageEventType(status models.StageStatus) string {
	switch status {
	case models.StageStatusCompleted:
		return events.EventTypeStageCompleted
	case models.StageStatusCancelled:
		return events.EventTypeStageCancelled
	default:
		return events.EventTypeStageFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *ChainExecutor) publishStage(ctx context.Context, sessionID string, exec *models.StageExecution, eventType string, status models.StageStatus, errMsg string) {
	if e.sink == nil {
		return
	}
	if err := e.sink.PublishStageLifecycle(ctx, events.StageLifecyclePayload{
		Type:          eventType,
		SessionID:     sessionID,
		ExecutionID:   exec.ID,
		StageName:     exec.StageName,
		StageIndex:    exec.StageIndex,
		ParallelIndex: exec.ParallelIndex,
		Agent:         exec.Agent,
		Status:        string(status),
		Error:         errMsg,
	}); err != nil {
		slog.Warn("Failed to publish stage lifecycle event",
			"session_id", sessionID, "execution_id", exec.ID, "type", eventType, "error", err)
	}
}
