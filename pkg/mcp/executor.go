package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/masking"
	"github.com/tarsy-bot/tarsy/pkg/services"
)

var _ agent.ToolExecutor = (*ToolExecutor)(nil)

// toolAPI is the slice of Client the executor needs; an interface so
// executor tests run without real MCP servers.
type toolAPI interface {
	ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error)
	CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error)
	Close() error
}

// ToolExecutor implements agent.ToolExecutor over real MCP servers.
// Created per stage execution: it carries the execution's server
// whitelist and interaction identity, and records every dispatched
// call and listing through the interaction log.
type ToolExecutor struct {
	api       toolAPI
	serverIDs []string

	// Optional per-server tool filter. A missing or empty entry means
	// all tools on that server.
	toolFilter map[string][]string

	// Optional masking of tool result content; nil disables masking.
	masker *masking.Service

	log              agent.InteractionLogger
	sessionID        string
	stageExecutionID *string
}

// NewToolExecutor builds an executor scoped to one stage execution.
// masker and log may be nil.
func NewToolExecutor(
	client *Client,
	serverIDs []string,
	toolFilter map[string][]string,
	masker *masking.Service,
	log agent.InteractionLogger,
	sessionID string,
	stageExecutionID *string,
) *ToolExecutor {
	return &ToolExecutor{
		api:              client,
		serverIDs:        serverIDs,
		toolFilter:       toolFilter,
		masker:           masker,
		log:              log,
		sessionID:        sessionID,
		stageExecutionID: stageExecutionID,
	}
}

// Execute dispatches one tool call. Routing and execution failures are
// returned as error results, never as Go errors: the controller turns
// them into conversation observations.
func (e *ToolExecutor) Execute(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
	if err := e.authorize(call); err != nil {
		return &agent.ToolResult{
			Server:  call.Server,
			Tool:    call.Tool,
			Content: err.Error(),
			IsError: true,
		}, nil
	}

	start := time.Now()
	result, callErr := e.api.CallTool(ctx, call.Server, call.Tool, call.Parameters)

	var content string
	isError := callErr != nil
	if callErr == nil {
		content = extractTextContent(result)
		if e.masker != nil {
			content = e.masker.MaskToolResult(content, call.Server)
		}
		isError = result.IsError
	} else {
		content = fmt.Sprintf("MCP tool execution failed: %s", callErr)
	}

	e.logCall(ctx, call, content, isError, time.Since(start), callErr)

	return &agent.ToolResult{
		Server:  call.Server,
		Tool:    call.Tool,
		Content: content,
		IsError: isError,
	}, nil
}

// ListTools aggregates tools from every whitelisted server, applying
// the per-server tool filter. Partial results are returned when some
// servers fail; the listing is recorded as one tool_list interaction.
func (e *ToolExecutor) ListTools(ctx context.Context) ([]agent.ToolDefinition, error) {
	start := time.Now()

	var defs []agent.ToolDefinition
	var available []any
	var lastErr error
	for _, serverID := range e.serverIDs {
		tools, err := e.api.ListTools(ctx, serverID)
		if err != nil {
			lastErr = err
			slog.Warn("Failed to list tools from MCP server", "server", serverID, "error", err)
			continue
		}
		for _, tool := range tools {
			if !e.toolAllowed(serverID, tool.Name) {
				continue
			}
			defs = append(defs, agent.ToolDefinition{
				Server:      serverID,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schemaToMap(tool.InputSchema),
			})
			available = append(available, map[string]any{
				"server":      serverID,
				"name":        tool.Name,
				"description": tool.Description,
			})
		}
	}

	var listErr error
	if len(defs) == 0 && lastErr != nil {
		listErr = fmt.Errorf("all servers failed to list tools: %w", lastErr)
	}
	e.logList(ctx, available, time.Since(start), listErr)

	if listErr != nil {
		return nil, listErr
	}
	return defs, nil
}

// Close releases the underlying transports and subprocesses.
func (e *ToolExecutor) Close() error {
	if e.api != nil {
		return e.api.Close()
	}
	return nil
}

func (e *ToolExecutor) authorize(call agent.ToolCall) error {
	if !slices.Contains(e.serverIDs, call.Server) {
		return fmt.Errorf("MCP server %q is not available for this execution. Available servers: %s",
			call.Server, strings.Join(e.serverIDs, ", "))
	}
	if !e.toolAllowed(call.Server, call.Tool) {
		return fmt.Errorf("tool %q is not available on server %q. Available tools: %s",
			call.Tool, call.Server, strings.Join(e.toolFilter[call.Server], ", "))
	}
	return nil
}

func (e *ToolExecutor) toolAllowed(serverID, toolName string) bool {
	filter, ok := e.toolFilter[serverID]
	if !ok || len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, toolName)
}

func (e *ToolExecutor) logCall(ctx context.Context, call agent.ToolCall, content string, isError bool, duration time.Duration, callErr error) {
	if e.log == nil {
		return
	}
	rec := services.MCPCallRecord{
		SessionID:        e.sessionID,
		StageExecutionID: e.stageExecutionID,
		ServerName:       call.Server,
		ToolName:         call.Tool,
		Arguments:        call.Parameters,
		Duration:         duration,
		Err:              callErr,
	}
	if callErr == nil {
		rec.Result = map[string]any{"content": content, "is_error": isError}
	}
	if err := e.log.LogMCPCall(ctx, rec); err != nil {
		slog.Error("Failed to record MCP tool call",
			"session_id", e.sessionID, "server", call.Server, "tool", call.Tool, "error", err)
	}
}

func (e *ToolExecutor) logList(ctx context.Context, available []any, duration time.Duration, listErr error) {
	if e.log == nil {
		return
	}
	rec := services.MCPListRecord{
		SessionID:        e.sessionID,
		StageExecutionID: e.stageExecutionID,
		AvailableTools:   available,
		Duration:         duration,
		Err:              listErr,
	}
	// A single-server listing is recorded under that server; multi-server
	// listings use the all_servers sentinel.
	if len(e.serverIDs) == 1 {
		rec.ServerName = e.serverIDs[0]
	}
	if err := e.log.LogMCPList(ctx, rec); err != nil {
		slog.Error("Failed to record MCP tool listing",
			"session_id", e.sessionID, "error", err)
	}
}

// extractTextContent concatenates the text items of a tool result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts a tool's input schema to a plain map through a
// JSON round trip, which is what the prompt layer renders from.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
