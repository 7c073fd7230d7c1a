package services

import (
	"context"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// Typed logging helpers over the raw interaction writes. Controllers call
// these; the Create methods stay exported for the API layer's replay path.

// LLMCallRecord is the controller-facing shape of one LLM call.
type LLMCallRecord struct {
	SessionID        string
	StageExecutionID *string
	ModelName        string
	Request          map[string]any
	Response         map[string]any
	TokenUsage       map[string]any
	ThinkingContent  *string
	ResponseMetadata map[string]any
	Duration         time.Duration
	Err              error
}

// LogLLM records one LLM call, deriving duration_ms and success.
func (s *InteractionService) LogLLM(ctx context.Context, rec LLMCallRecord) error {
	in := &models.LLMInteraction{
		SessionID:        rec.SessionID,
		StageExecutionID: rec.StageExecutionID,
		ModelName:        rec.ModelName,
		Request:          rec.Request,
		Response:         rec.Response,
		TokenUsage:       rec.TokenUsage,
		ThinkingContent:  rec.ThinkingContent,
		ResponseMetadata: rec.ResponseMetadata,
		DurationMS:       rec.Duration.Milliseconds(),
		Success:          rec.Err == nil,
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		in.Error = &msg
	}
	return s.CreateLLMInteraction(ctx, in)
}

// MCPCallRecord is the controller-facing shape of one MCP tool call.
type MCPCallRecord struct {
	SessionID        string
	StageExecutionID *string
	ServerName       string
	ToolName         string
	Arguments        map[string]any
	Result           map[string]any
	Duration         time.Duration
	Err              error
}

// LogMCPCall records one MCP tool invocation.
func (s *InteractionService) LogMCPCall(ctx context.Context, rec MCPCallRecord) error {
	in := &models.MCPInteraction{
		SessionID:         rec.SessionID,
		StageExecutionID:  rec.StageExecutionID,
		ServerName:        rec.ServerName,
		CommunicationType: models.MCPCommunicationToolCall,
		ToolName:          &rec.ToolName,
		ToolArguments:     rec.Arguments,
		ToolResult:        rec.Result,
		DurationMS:        rec.Duration.Milliseconds(),
		Success:           rec.Err == nil,
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		in.Error = &msg
	}
	return s.CreateMCPInteraction(ctx, in)
}

// MCPListRecord is the controller-facing shape of one tool listing.
// An empty ServerName means the listing spanned all configured servers
// and is recorded under the all_servers sentinel.
type MCPListRecord struct {
	SessionID        string
	StageExecutionID *string
	ServerName       string
	AvailableTools   []any
	Duration         time.Duration
	Err              error
}

// LogMCPList records one MCP tool listing.
func (s *InteractionService) LogMCPList(ctx context.Context, rec MCPListRecord) error {
	server := rec.ServerName
	if server == "" {
		server = models.AllServersSentinel
	}
	in := &models.MCPInteraction{
		SessionID:         rec.SessionID,
		StageExecutionID:  rec.StageExecutionID,
		ServerName:        server,
		CommunicationType: models.MCPCommunicationToolList,
		AvailableTools:    rec.AvailableTools,
		DurationMS:        rec.Duration.Milliseconds(),
		Success:           rec.Err == nil,
	}
	if rec.Err != nil {
		msg := rec.Err.Error()
		in.Error = &msg
	}
	return s.CreateMCPInteraction(ctx, in)
}
