package controller

import (
	"context"
	"sync"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

// scriptedTurn is one canned LLM response.
type scriptedTurn struct {
	text     string
	thinking string
	err      error
}

// mockLLMClient replays scripted turns in order.
type mockLLMClient struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
}

func (m *mockLLMClient) Generate(ctx context.Context, _ *agent.GenerateInput) (<-chan agent.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var turn scriptedTurn
	if m.calls < len(m.turns) {
		turn = m.turns[m.calls]
	} else {
		turn = scriptedTurn{text: "Final analysis: no further scripted turns."}
	}
	m.calls++

	ch := make(chan agent.Chunk, 4)
	if turn.err != nil {
		ch <- &agent.ErrorChunk{Message: turn.err.Error(), Code: "mock"}
		close(ch)
		return ch, nil
	}
	if turn.thinking != "" {
		ch <- &agent.ThinkingChunk{Content: turn.thinking}
	}
	ch <- &agent.TextChunk{Content: turn.text}
	ch <- &agent.UsageChunk{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	close(ch)
	return ch, nil
}

func (m *mockLLMClient) Close() error { return nil }

func (m *mockLLMClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// memLogger is an in-memory InteractionLogger.
type memLogger struct {
	mu       sync.Mutex
	llm      []services.LLMCallRecord
	mcpCalls []services.MCPCallRecord
	mcpLists []services.MCPListRecord
}

func (l *memLogger) LogLLM(_ context.Context, rec services.LLMCallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.llm = append(l.llm, rec)
	return nil
}

func (l *memLogger) LogMCPCall(_ context.Context, rec services.MCPCallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mcpCalls = append(l.mcpCalls, rec)
	return nil
}

func (l *memLogger) LogMCPList(_ context.Context, rec services.MCPListRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mcpLists = append(l.mcpLists, rec)
	return nil
}

func (l *memLogger) llmRecords() []services.LLMCallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]services.LLMCallRecord(nil), l.llm...)
}

func newTestExecCtx(client agent.LLMClient, executor agent.ToolExecutor, builder agent.PromptBuilder) (*agent.ExecutionContext, *memLogger) {
	logger := &memLogger{}
	return &agent.ExecutionContext{
		SessionID:   "sess-1",
		ExecutionID: "exec-1",
		StageName:   "investigate",
		AgentName:   "k8s-agent",
		AlertType:   "k8s",
		AlertData:   `{"namespace":"x"}`,
		Config: &agent.ResolvedAgentConfig{
			AgentName:        "k8s-agent",
			Strategy:         config.IterationStrategyReact,
			LLMProvider:      &config.LLMProviderConfig{Type: config.LLMProviderTypeGoogle, Model: "test-model"},
			MaxIterations:    5,
			IterationTimeout: agent.DefaultIterationTimeout,
		},
		LLMClient:     client,
		ToolExecutor:  executor,
		Log:           logger,
		PromptBuilder: builder,
	}, logger
}
