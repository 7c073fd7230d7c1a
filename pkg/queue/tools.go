package queue

import (
	"context"

	"github.com/tarsy-bot/tarsy/pkg/agent"
	"github.com/tarsy-bot/tarsy/pkg/config"
	"github.com/tarsy-bot/tarsy/pkg/masking"
	"github.com/tarsy-bot/tarsy/pkg/mcp"
)

// ToolSession provides tool executors for one session's stage
// executions. All executions of a session share the session's MCP
// connections; Close tears them down when the session finishes.
type ToolSession interface {
	// ExecutorFor returns a tool executor scoped to one stage execution.
	// serverIDs is the execution's resolved whitelist; servers not yet
	// connected are initialized on demand.
	ExecutorFor(ctx context.Context, serverIDs []string, executionID *string) agent.ToolExecutor

	Close() error
}

// ToolSessionFactory creates a ToolSession per session. An interface so
// executor tests can hand out stub executors without MCP servers.
type ToolSessionFactory interface {
	NewToolSession(sessionID string) ToolSession
}

// MCPToolFactory is the production ToolSessionFactory over real MCP
// servers.
type MCPToolFactory struct {
	registry *config.MCPServerRegistry
	masker   *masking.Service
	log      agent.InteractionLogger
}

// NewMCPToolFactory creates a factory over the configured server
// registry. masker and log may be nil.
func NewMCPToolFactory(registry *config.MCPServerRegistry, masker *masking.Service, log agent.InteractionLogger) *MCPToolFactory {
	return &MCPToolFactory{registry: registry, masker: masker, log: log}
}

// NewToolSession creates the per-session MCP client. No connections are
// made until the first execution asks for tools.
func (f *MCPToolFactory) NewToolSession(sessionID string) ToolSession {
	return &mcpToolSession{
		client:    mcp.NewClient(f.registry),
		masker:    f.masker,
		log:       f.log,
		sessionID: sessionID,
	}
}

type mcpToolSession struct {
	client    *mcp.Client
	masker    *masking.Service
	log       agent.InteractionLogger
	sessionID string
}

func (s *mcpToolSession) ExecutorFor(ctx context.Context, serverIDs []string, executionID *string) agent.ToolExecutor {
	// Idempotent per server; failures are recorded on the client and the
	// execution proceeds with a partial tool set.
	s.client.Initialize(ctx, serverIDs)
	return mcp.NewToolExecutor(s.client, serverIDs, nil, s.masker, s.log, s.sessionID, executionID)
}

func (s *mcpToolSession) Close() error {
	return s.client.Close()
}
