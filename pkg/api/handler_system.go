package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-bot/tarsy/pkg/services"
)

// MCPServerView describes one configured MCP server. Tools are listed
// only when a live inventory is wired.
type MCPServerView struct {
	ServerID     string     `json:"server_id"`
	Transport    string     `json:"transport"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []ToolInfo `json:"tools,omitempty"`
	ToolsError   string     `json:"tools_error,omitempty"`
}

func (s *Server) handleWarnings(c *gin.Context) {
	warnings := s.warnings.GetWarnings()
	if warnings == nil {
		warnings = []*services.SystemWarning{}
	}
	c.JSON(http.StatusOK, gin.H{"warnings": warnings})
}

func (s *Server) handleMCPServers(c *gin.Context) {
	ctx := c.Request.Context()

	views := []MCPServerView{}
	for _, serverID := range s.cfg.AllMCPServerIDs() {
		server, err := s.cfg.GetMCPServer(serverID)
		if err != nil {
			continue
		}

		view := MCPServerView{
			ServerID:     serverID,
			Transport:    string(server.Transport.Type),
			Instructions: server.Instructions,
		}

		if s.inventory != nil {
			tools, err := s.inventory.ListServerTools(ctx, serverID)
			if err != nil {
				slog.Warn("Failed to list MCP server tools", "server_id", serverID, "error", err)
				view.ToolsError = err.Error()
			} else {
				view.Tools = tools
			}
		}

		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"servers": views})
}
