package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// InteractionService is the append-only log of LLM and MCP traffic.
// Every write stamps timing and success fields and best-effort bumps the
// owning session's heartbeat.
type InteractionService struct {
	db       *sql.DB
	sessions *SessionService
}

// NewInteractionService creates a new InteractionService
func NewInteractionService(db *sql.DB, sessions *SessionService) *InteractionService {
	return &InteractionService{db: db, sessions: sessions}
}

// CreateLLMInteraction appends one LLM interaction record.
// Writes run on a background-derived context so a cancelled stage still
// gets its final interaction row.
func (s *InteractionService) CreateLLMInteraction(_ context.Context, in *models.LLMInteraction) error {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.TimestampUS == 0 {
		in.TimestampUS = models.NowUS()
	}

	request, err := marshalJSON(in.Request)
	if err != nil {
		return fmt.Errorf("failed to encode llm request: %w", err)
	}
	response, err := marshalJSON(in.Response)
	if err != nil {
		return fmt.Errorf("failed to encode llm response: %w", err)
	}
	tokenUsage, err := marshalJSON(in.TokenUsage)
	if err != nil {
		return fmt.Errorf("failed to encode token usage: %w", err)
	}
	metadata, err := marshalJSON(in.ResponseMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode response metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO llm_interactions
		 (interaction_id, session_id, stage_execution_id, model_name, request_json,
		  response_json, token_usage, thinking_content, response_metadata,
		  duration_ms, success, error_message, timestamp_us)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		in.ID, in.SessionID, in.StageExecutionID, in.ModelName, request,
		response, tokenUsage, in.ThinkingContent, metadata,
		in.DurationMS, in.Success, in.Error, in.TimestampUS)
	if err != nil {
		return fmt.Errorf("failed to create LLM interaction: %w", err)
	}

	s.bumpHeartbeat(ctx, in.SessionID)
	return nil
}

// CreateMCPInteraction appends one MCP interaction record (tool call or
// tool listing).
func (s *InteractionService) CreateMCPInteraction(_ context.Context, in *models.MCPInteraction) error {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.TimestampUS == 0 {
		in.TimestampUS = models.NowUS()
	}

	arguments, err := marshalJSON(in.ToolArguments)
	if err != nil {
		return fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	result, err := marshalJSON(in.ToolResult)
	if err != nil {
		return fmt.Errorf("failed to encode tool result: %w", err)
	}
	var tools []byte
	if in.AvailableTools != nil {
		tools, err = json.Marshal(in.AvailableTools)
		if err != nil {
			return fmt.Errorf("failed to encode available tools: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_interactions
		 (interaction_id, session_id, stage_execution_id, server_name, communication_type,
		  tool_name, tool_arguments, tool_result, available_tools,
		  duration_ms, success, error_message, timestamp_us)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		in.ID, in.SessionID, in.StageExecutionID, in.ServerName, in.CommunicationType,
		in.ToolName, arguments, result, tools,
		in.DurationMS, in.Success, in.Error, in.TimestampUS)
	if err != nil {
		return fmt.Errorf("failed to create MCP interaction: %w", err)
	}

	s.bumpHeartbeat(ctx, in.SessionID)
	return nil
}

// ListLLMInteractions returns a session's LLM interactions oldest-first.
func (s *InteractionService) ListLLMInteractions(ctx context.Context, sessionID string) ([]*models.LLMInteraction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT interaction_id, session_id, stage_execution_id, model_name, request_json,
		        response_json, token_usage, thinking_content, response_metadata,
		        duration_ms, success, error_message, timestamp_us
		 FROM llm_interactions WHERE session_id = $1 ORDER BY timestamp_us ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list LLM interactions: %w", err)
	}
	defer rows.Close()

	var out []*models.LLMInteraction
	for rows.Next() {
		var in models.LLMInteraction
		var request, response, tokenUsage, metadata []byte
		err := rows.Scan(
			&in.ID, &in.SessionID, &in.StageExecutionID, &in.ModelName, &request,
			&response, &tokenUsage, &in.ThinkingContent, &metadata,
			&in.DurationMS, &in.Success, &in.Error, &in.TimestampUS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan LLM interaction: %w", err)
		}
		if err := unmarshalJSON(request, &in.Request); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(response, &in.Response); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(tokenUsage, &in.TokenUsage); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadata, &in.ResponseMetadata); err != nil {
			return nil, err
		}
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate LLM interactions: %w", err)
	}
	return out, nil
}

// ListMCPInteractions returns a session's MCP interactions oldest-first.
func (s *InteractionService) ListMCPInteractions(ctx context.Context, sessionID string) ([]*models.MCPInteraction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT interaction_id, session_id, stage_execution_id, server_name, communication_type,
		        tool_name, tool_arguments, tool_result, available_tools,
		        duration_ms, success, error_message, timestamp_us
		 FROM mcp_interactions WHERE session_id = $1 ORDER BY timestamp_us ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP interactions: %w", err)
	}
	defer rows.Close()

	var out []*models.MCPInteraction
	for rows.Next() {
		var in models.MCPInteraction
		var arguments, result, tools []byte
		err := rows.Scan(
			&in.ID, &in.SessionID, &in.StageExecutionID, &in.ServerName, &in.CommunicationType,
			&in.ToolName, &arguments, &result, &tools,
			&in.DurationMS, &in.Success, &in.Error, &in.TimestampUS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan MCP interaction: %w", err)
		}
		if err := unmarshalJSON(arguments, &in.ToolArguments); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(result, &in.ToolResult); err != nil {
			return nil, err
		}
		if tools != nil {
			if err := json.Unmarshal(tools, &in.AvailableTools); err != nil {
				return nil, fmt.Errorf("failed to decode available tools: %w", err)
			}
		}
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate MCP interactions: %w", err)
	}
	return out, nil
}

// bumpHeartbeat updates the session's last interaction stamp. Failures
// are logged and swallowed: the interaction row is the source of truth.
func (s *InteractionService) bumpHeartbeat(ctx context.Context, sessionID string) {
	if err := s.sessions.TouchLastInteraction(ctx, sessionID); err != nil {
		slog.Warn("Failed to bump session heartbeat", "session_id", sessionID, "error", err)
	}
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(data []byte, target *map[string]any) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
