package agent

import (
	"context"
	"fmt"
)

// ToolCall is one parsed tool invocation from the LLM.
type ToolCall struct {
	Server     string         `json:"server"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reason     string         `json:"reason"`
}

// Key identifies the call for per-iteration deduplication: identical
// server, tool and parameters collapse into one dispatch.
func (c ToolCall) Key() string {
	return fmt.Sprintf("%s.%s(%v)", c.Server, c.Tool, c.Parameters)
}

// ToolResult is the outcome of one tool execution. Execution errors are
// carried in Content with IsError set; they become conversation
// observations, never Go errors up the stack.
type ToolResult struct {
	Server  string
	Tool    string
	Content string
	IsError bool
}

// ToolDefinition describes one tool available to the LLM.
type ToolDefinition struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolExecutor abstracts MCP execution for iteration controllers.
type ToolExecutor interface {
	// Execute runs a single tool call and returns its result. Transport
	// errors are returned as (*ToolResult with IsError, nil) where
	// possible; a non-nil error means the call could not be attempted.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// ListTools returns available tool definitions for the current
	// execution, after server/tool filtering.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// Close releases transports and subprocesses.
	Close() error
}

// StubToolExecutor returns canned responses for tests.
type StubToolExecutor struct {
	Tools   []ToolDefinition
	Respond func(call ToolCall) *ToolResult
}

func (s *StubToolExecutor) Execute(_ context.Context, call ToolCall) (*ToolResult, error) {
	if s.Respond != nil {
		return s.Respond(call), nil
	}
	return &ToolResult{
		Server:  call.Server,
		Tool:    call.Tool,
		Content: fmt.Sprintf("[stub] %s.%s called with %v", call.Server, call.Tool, call.Parameters),
	}, nil
}

func (s *StubToolExecutor) ListTools(context.Context) ([]ToolDefinition, error) {
	return s.Tools, nil
}

func (s *StubToolExecutor) Close() error { return nil }
